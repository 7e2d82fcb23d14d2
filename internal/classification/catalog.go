package classification

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/alphadose/haxmap"
)

// minClassifierSigID is the floor a top-level classifier's sigId must clear;
// a block-local signature id must stay strictly below it.
const minClassifierSigID = 1000

// nameMapper assigns a stable, incrementing id to each name it first sees.
// Backed by haxmap so a process building more than one Catalog concurrently
// never needs a package-level mutex around it.
type nameMapper struct {
	ids   *haxmap.Map[string, int]
	names []string
}

func newNameMapper() *nameMapper {
	return &nameMapper{ids: haxmap.New[string, int]()}
}

// registerName returns name's id, assigning the next one if this is the
// first time name has been seen.
func (m *nameMapper) registerName(name string) int {
	if id, ok := m.ids.Get(name); ok {
		return id
	}
	id := len(m.names)
	m.names = append(m.names, name)
	m.ids.Set(name, id)
	return id
}

func (m *nameMapper) getID(name string) (int, bool) {
	return m.ids.Get(name)
}

func (m *nameMapper) size() int { return len(m.names) }

// ClassifierDescriptor is a top-level, named verdict declared by a
// catalog's <global><classifier> entry.
type ClassifierDescriptor struct {
	SigID      uint
	Standalone bool
	Final      bool
}

// Signature is one matcher within a block, carrying its own optional tag
// overlay when standalone. Its matcher content is opaque to the catalog:
// the engine that walks signatures interprets Content itself.
type Signature struct {
	SigID      uint
	Standalone bool
	Final      bool
	Tags       *TagContainer
	Content    []byte
}

// Block is a named group of signatures and rules contributing tags under
// one or more facets.
type Block struct {
	Name         string
	ID           int
	Tags         *TagContainer
	Precondition []byte
	Signatures   []*Signature
	Rules        [][]byte
}

// Catalog is the fully loaded, validated classification catalog: the
// name→id mappers, the top-level classifier table, the process-wide
// final-mask, and every block in declaration order. A Catalog is built once
// by Load and then only read, so it is safe for concurrent use by every
// pipeline that references it — callers hold it explicitly (e.g. in a
// decoder's Settings) rather than reaching through a package-level
// singleton, so more than one pipeline in the same process never shares
// load-time mutable state it didn't ask to share.
type Catalog struct {
	blockIDs *nameMapper
	facetIDs *nameMapper
	focusIDs *nameMapper

	Classifiers map[string]ClassifierDescriptor
	FinalMask   FinalMask
	Blocks      []*Block

	NumSignatures int
}

// NumFacets is the width every TagContainer attached to a flow classified
// against this catalog must have.
func (c *Catalog) NumFacets() int { return c.facetIDs.size() }

// FacetID looks up a declared facet's id by name.
func (c *Catalog) FacetID(name string) (FacetID, bool) {
	id, ok := c.facetIDs.getID(name)
	return FacetID(id), ok
}

// FocusName returns the registered tag value string a FocusID was assigned
// to, for diagnostic output.
func (c *Catalog) FocusName(id FocusID) (string, bool) {
	if int(id) < 0 || int(id) >= len(c.focusIDs.names) {
		return "", false
	}
	return c.focusIDs.names[id], true
}

// --- XML document shape -----------------------------------------------

type catalogXML struct {
	XMLName xml.Name   `xml:"catalog"`
	Global  *globalXML `xml:"global"`
	Blocks  []blockXML `xml:"block"`
}

type globalXML struct {
	Classifiers []classifierXML `xml:"classifier"`
	Facets      []facetXML      `xml:"facet"`
}

type classifierXML struct {
	Name       string `xml:"name,attr"`
	SigID      uint   `xml:"sigId,attr"`
	Final      string `xml:"final,attr"`
	Standalone string `xml:"standalone,attr"`
}

type facetXML struct {
	Name     string `xml:"name,attr"`
	Required string `xml:"required,attr"`
}

type tagXML struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type blockXML struct {
	Name         string         `xml:"name,attr"`
	Tags         []tagXML       `xml:"tag"`
	Precondition rawElement     `xml:"precondition"`
	Signatures   []signatureXML `xml:"signature"`
	Rules        []rawElement   `xml:"rule"`
}

type signatureXML struct {
	ID         uint       `xml:"id,attr"`
	Final      string     `xml:"final,attr"`
	Standalone string     `xml:"standalone,attr"`
	Tags       []tagXML   `xml:"tag"`
	Inner      rawElement `xml:",any"`
}

// rawElement captures one child element's raw bytes verbatim; the catalog
// loader never interprets precondition expressions, rule bodies, or
// signature matcher content — that belongs to the engine that walks them.
type rawElement struct {
	content []byte
}

func (r *rawElement) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		if err := enc.EncodeToken(tok); err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	r.content = buf.Bytes()
	return nil
}

func xmlTrue(attr string) bool { return attr == "true" }

// Load parses, validates, and indexes a classification catalog from r.
// Validation failures (out-of-range or non-increasing sigIds, tags on a
// non-standalone signature) are returned as errors; the caller decides
// whether that is fatal, matching spec.md's "surfaced as a nonzero CLI
// exit" handling rather than this package calling os.Exit itself.
func Load(r io.Reader) (*Catalog, error) {
	var doc catalogXML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("classification: parse catalog: %w", err)
	}

	c := &Catalog{
		blockIDs:    newNameMapper(),
		facetIDs:    newNameMapper(),
		focusIDs:    newNameMapper(),
		Classifiers: make(map[string]ClassifierDescriptor),
	}

	if doc.Global != nil {
		if err := c.loadGlobal(doc.Global); err != nil {
			return nil, err
		}
	}

	for _, b := range doc.Blocks {
		if err := c.loadBlock(b); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Catalog) loadGlobal(g *globalXML) error {
	var previous uint
	for _, cl := range g.Classifiers {
		if cl.SigID < minClassifierSigID {
			return fmt.Errorf("classification: classifier %q sigId %d is out of range (must be >= %d)", cl.Name, cl.SigID, minClassifierSigID)
		}
		if cl.SigID <= previous {
			return fmt.Errorf("classification: classifier %q sigId %d is not strictly increasing", cl.Name, cl.SigID)
		}
		previous = cl.SigID

		final := xmlTrue(cl.Final)
		standalone := xmlTrue(cl.Standalone) || final
		c.Classifiers[cl.Name] = ClassifierDescriptor{SigID: cl.SigID, Standalone: standalone, Final: final}
	}

	for _, f := range g.Facets {
		id := c.facetIDs.registerName(f.Name)
		if xmlTrue(f.Required) {
			c.FinalMask.Set(FacetID(id))
		}
	}
	return nil
}

func (c *Catalog) readTags(tags []tagXML) (*TagContainer, error) {
	container := NewTagContainer(c.facetIDs.size())
	for _, t := range tags {
		facetID, ok := c.facetIDs.getID(t.Name)
		if !ok {
			return nil, fmt.Errorf("classification: undefined facet %q", t.Name)
		}
		focusID := c.focusIDs.registerName(t.Value)
		container.SetTag(FacetID(facetID), FocusID(focusID), -1)
	}
	return container, nil
}

func (c *Catalog) loadBlock(b blockXML) error {
	blockID := c.blockIDs.registerName(b.Name)

	tags, err := c.readTags(b.Tags)
	if err != nil {
		return fmt.Errorf("classification: block %q: %w", b.Name, err)
	}

	block := &Block{
		Name:         b.Name,
		ID:           blockID,
		Tags:         tags,
		Precondition: b.Precondition.content,
	}

	var previous uint
	for _, sig := range b.Signatures {
		if sig.ID >= minClassifierSigID {
			return fmt.Errorf("classification: block %q: signature id %d out of range (must be < %d)", b.Name, sig.ID, minClassifierSigID)
		}
		if sig.ID <= previous {
			return fmt.Errorf("classification: block %q: signature id %d is not strictly increasing", b.Name, sig.ID)
		}
		previous = sig.ID

		final := xmlTrue(sig.Final)
		standalone := xmlTrue(sig.Standalone) || final

		sigTags, err := c.readTags(sig.Tags)
		if err != nil {
			return fmt.Errorf("classification: block %q signature %d: %w", b.Name, sig.ID, err)
		}
		if !sigTags.IsEmpty() && !standalone {
			return fmt.Errorf("classification: block %q signature %d: tags require standalone=true", b.Name, sig.ID)
		}

		block.Signatures = append(block.Signatures, &Signature{
			SigID:      sig.ID,
			Standalone: standalone,
			Final:      final,
			Tags:       sigTags,
			Content:    sig.Inner.content,
		})
		c.NumSignatures++
	}

	for _, rule := range b.Rules {
		block.Rules = append(block.Rules, rule.content)
	}

	for len(c.Blocks) <= blockID {
		c.Blocks = append(c.Blocks, nil)
	}
	c.Blocks[blockID] = block
	return nil
}
