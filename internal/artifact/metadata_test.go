package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agfin/loanproxy/internal/log"
)

func TestParseMetadata_FencedBlock(t *testing.T) {
	content := "I've extracted the fields from your tax return.\n\n" +
		"```artifact-metadata\n" +
		`{"id":"ext-1","type":"extraction","title":"1040 Extraction","data":{"fields":[]},"openFullScreen":true}` +
		"\n```\n\nLet me know if anything looks off."

	meta := ParseMetadata(content, log.NewNop())
	require.NotNil(t, meta)
	assert.Equal(t, "ext-1", meta.ID)
	assert.Equal(t, TypeExtraction, meta.Type)
	assert.Equal(t, "1040 Extraction", meta.Title)
	assert.True(t, meta.OpenFullScreen)
	assert.False(t, meta.Replace)
}

func TestParseMetadata_InlineTag(t *testing.T) {
	content := "Here is the form. [artifact:id=m1,type=module_m1,title=Identity,replace=true]"

	meta := ParseMetadata(content, log.NewNop())
	require.NotNil(t, meta)
	assert.Equal(t, "m1", meta.ID)
	assert.Equal(t, TypeModuleM1, meta.Type)
	assert.Equal(t, "Identity", meta.Title)
	assert.True(t, meta.Replace)
}

func TestParseMetadata_InlineTagMissingKeys(t *testing.T) {
	meta := ParseMetadata("[artifact:id=m1,type=module_m1]", log.NewNop())
	assert.Nil(t, meta, "inline tag requires id, type and title")
}

func TestParseMetadata_Structured(t *testing.T) {
	content := `{"artifact":{"id":"doc-7","type":"document","title":"Deed.pdf","data":{"file_name":"Deed.pdf"}}}`

	meta := ParseMetadata(content, log.NewNop())
	require.NotNil(t, meta)
	assert.Equal(t, "doc-7", meta.ID)
	assert.Equal(t, TypeDocument, meta.Type)
	assert.Equal(t, "Deed.pdf", meta.Data["file_name"])
}

func TestParseMetadata_MalformedIsNonFatal(t *testing.T) {
	cases := map[string]string{
		"broken fenced JSON":   "```artifact-metadata\n{not json\n```",
		"unterminated fence":   "```artifact-metadata\n{\"id\":\"x\"}",
		"unknown type":         `[artifact:id=a,type=widget,title=T]`,
		"plain prose":          "No artifacts here, just an answer.",
		"json without wrapper": `{"answer": 42}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, ParseMetadata(content, log.NewNop()))
		})
	}
}

func TestStripMetadata(t *testing.T) {
	content := "Before.\n```artifact-metadata\n{\"id\":\"a\"}\n```\nAfter."
	assert.Equal(t, "Before.\n\nAfter.", StripMetadata(content))

	prose := "Nothing embedded."
	assert.Equal(t, prose, StripMetadata(prose))
}
