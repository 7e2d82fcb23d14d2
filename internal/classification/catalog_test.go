package classification

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validCatalog = `<?xml version="1.0"?>
<catalog>
  <global>
    <classifier name="A" sigId="1000" standalone="true"/>
    <classifier name="B" sigId="1001" final="true"/>
    <facet name="f1" required="true"/>
    <facet name="f2"/>
  </global>
  <block name="http">
    <tag name="f2" value="web"/>
    <precondition><port value="80"/></precondition>
    <signature id="1" final="false">
      <regex>GET /</regex>
    </signature>
    <signature id="2" standalone="true">
      <tag name="f1" value="browsing"/>
      <regex>POST /</regex>
    </signature>
    <rule><match signature="1"/></rule>
  </block>
</catalog>`

func TestLoadValidCatalogIndexesEverything(t *testing.T) {
	c, err := Load(strings.NewReader(validCatalog))
	require.NoError(t, err)

	require.Contains(t, c.Classifiers, "A")
	assert.Equal(t, ClassifierDescriptor{SigID: 1000, Standalone: true, Final: false}, c.Classifiers["A"])
	require.Contains(t, c.Classifiers, "B")
	assert.Equal(t, ClassifierDescriptor{SigID: 1001, Standalone: true, Final: true}, c.Classifiers["B"], "final implies standalone even when unset")

	f1, ok := c.FacetID("f1")
	require.True(t, ok)
	assert.True(t, c.FinalMask.Has(f1), "required facet must be in the final mask")

	f2, ok := c.FacetID("f2")
	require.True(t, ok)
	assert.False(t, c.FinalMask.Has(f2))

	require.Len(t, c.Blocks, 1)
	block := c.Blocks[0]
	assert.Equal(t, "http", block.Name)
	assert.NotEmpty(t, block.Precondition)
	require.Len(t, block.Signatures, 2)
	assert.Equal(t, uint(1), block.Signatures[0].SigID)
	assert.False(t, block.Signatures[0].Standalone)
	assert.True(t, block.Signatures[1].Standalone)
	assert.False(t, block.Signatures[1].Tags.IsEmpty())
	require.Len(t, block.Rules, 1)
}

func TestLoadRejectsClassifierSigIDBelowMinimum(t *testing.T) {
	const doc = `<catalog><global>
    <classifier name="A" sigId="999"/>
  </global></catalog>`
	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestLoadRejectsNonIncreasingClassifierSigID(t *testing.T) {
	const doc = `<catalog><global>
    <classifier name="A" sigId="1001"/>
    <classifier name="B" sigId="1000"/>
  </global></catalog>`
	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestLoadRejectsSignatureSigIDAtOrAboveMinimum(t *testing.T) {
	const doc = `<catalog><block name="b">
    <signature id="1000"><regex>x</regex></signature>
  </block></catalog>`
	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestLoadRejectsNonIncreasingSignatureID(t *testing.T) {
	const doc = `<catalog><block name="b">
    <signature id="5"><regex>x</regex></signature>
    <signature id="3"><regex>y</regex></signature>
  </block></catalog>`
	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestLoadRejectsTagsOnNonStandaloneSignature(t *testing.T) {
	const doc = `<catalog><global>
    <facet name="f1"/>
  </global><block name="b">
    <signature id="1">
      <tag name="f1" value="x"/>
      <regex>x</regex>
    </signature>
  </block></catalog>`
	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestLoadRejectsUndefinedFacetInTag(t *testing.T) {
	const doc = `<catalog><block name="b">
    <tag name="nope" value="x"/>
  </block></catalog>`
	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}
