// Package xml parses wayland.xml-shaped protocol description files into
// catalog.Descriptors. This is the one place encoding/xml is used (see
// DESIGN.md for why no third-party XML library from the example pack
// replaces it); every other structural decision here mirrors the
// catalog package it feeds.
package xml

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"

	"github.com/waywire/waywire/catalog"
)

type protocolXML struct {
	XMLName    xml.Name      `xml:"protocol"`
	Interfaces []interfaceXML `xml:"interface"`
}

type interfaceXML struct {
	Name     string     `xml:"name,attr"`
	Requests []methodXML `xml:"request"`
	Events   []methodXML `xml:"event"`
}

type methodXML struct {
	Name string `xml:"name,attr"`
	Args []argXML `xml:"arg"`
}

type argXML struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Interface string `xml:"interface,attr"`
}

// DisplayInterfaceName is the well-known interface every wayland.xml
// protocol core file designates as the bootstrap object.
const DisplayInterfaceName = "wl_display"

// LoadFiles parses one or more protocol description files and returns a
// finalized Catalog. The interface named DisplayInterfaceName, if
// present in any file, is set as the catalog's display interface.
func LoadFiles(paths []string) (*catalog.Catalog, error) {
	c := catalog.New()
	haveDisplay := false
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("catalog/xml: open %s: %w", p, err)
		}
		err = decodeInto(c, f)
		closeErr := f.Close()
		if err != nil {
			return nil, fmt.Errorf("catalog/xml: parse %s: %w", p, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("catalog/xml: close %s: %w", p, closeErr)
		}
	}
	if _, ok := c.Lookup(DisplayInterfaceName); ok {
		haveDisplay = true
	}
	if haveDisplay {
		if err := c.SetDisplay(DisplayInterfaceName); err != nil {
			return nil, fmt.Errorf("catalog/xml: %w", err)
		}
	}
	if err := c.Finalize(); err != nil {
		return nil, fmt.Errorf("catalog/xml: %w", err)
	}
	return c, nil
}

// decodeInto parses one protocol XML document and adds its interfaces
// to c. Descriptors reference each other by interface name via a
// two-pass resolution: all descriptors in the document are added first
// (with placeholder Types), then 'n' slots are resolved against c.
func decodeInto(c *catalog.Catalog, r io.Reader) error {
	var doc protocolXML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return err
	}

	// First pass: register every descriptor with its signature strings,
	// remembering each message's ordered 'n'-slot interface names so a
	// second pass can resolve them once every descriptor in this and
	// any earlier-loaded file is reachable by name — interfaces may
	// refer forward to ones defined later in the same protocol file.
	descs := make(map[string]*catalog.Descriptor, len(doc.Interfaces))
	methodTypeNames := make(map[*catalog.Descriptor][][]string)
	eventTypeNames := make(map[*catalog.Descriptor][][]string)
	for _, ifc := range doc.Interfaces {
		d := &catalog.Descriptor{Name: ifc.Name}
		for _, req := range ifc.Requests {
			sig, names := buildSignature(req.Args)
			d.Methods = append(d.Methods, catalog.Message{Name: req.Name, Signature: sig})
			methodTypeNames[d] = append(methodTypeNames[d], names)
		}
		for _, ev := range ifc.Events {
			sig, names := buildSignature(ev.Args)
			d.Events = append(d.Events, catalog.Message{Name: ev.Name, Signature: sig})
			eventTypeNames[d] = append(eventTypeNames[d], names)
		}
		descs[ifc.Name] = d
		if err := c.Add(d); err != nil {
			return err
		}
	}

	for _, d := range descs {
		for mi := range d.Methods {
			d.Methods[mi].Types = resolveTypes(c, descs, methodTypeNames[d][mi])
		}
		for ei := range d.Events {
			d.Events[ei].Types = resolveTypes(c, descs, eventTypeNames[d][ei])
		}
	}
	return nil
}

func resolveTypes(c *catalog.Catalog, local map[string]*catalog.Descriptor, names []string) []*catalog.Descriptor {
	if len(names) == 0 {
		return nil
	}
	types := make([]*catalog.Descriptor, len(names))
	for i, n := range names {
		if d, ok := local[n]; ok {
			types[i] = d
			continue
		}
		if d, ok := c.Lookup(n); ok {
			types[i] = d
		}
	}
	return types
}

// buildSignature converts an ordered XML arg list into the wire
// signature alphabet and returns the signature string alongside the
// ordered list of interface names for its 'n' slots. An untyped new_id
// becomes 'N' and contributes no entry to that list.
func buildSignature(args []argXML) (string, []string) {
	sig := make([]byte, 0, len(args))
	var nNames []string
	for _, a := range args {
		switch a.Type {
		case "int":
			sig = append(sig, 'i')
		case "uint":
			sig = append(sig, 'u')
		case "fixed":
			sig = append(sig, 'f')
		case "string":
			sig = append(sig, 's')
		case "object":
			sig = append(sig, 'o')
		case "array":
			sig = append(sig, 'a')
		case "fd":
			sig = append(sig, 'h')
		case "new_id":
			if a.Interface == "" {
				sig = append(sig, 'N')
			} else {
				sig = append(sig, 'n')
				nNames = append(nNames, a.Interface)
			}
		}
	}
	return string(sig), nNames
}
