package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsmith/docsmith/pkg/config"
	"github.com/docsmith/docsmith/pkg/model"
	"github.com/docsmith/docsmith/pkg/storage"
	"github.com/docsmith/docsmith/pkg/types"
)

func TestResolver_Precedence(t *testing.T) {
	r := NewResolver([]config.RoutingRule{
		{Stage: types.StageFormat, ModelID: "default-model", PromptTemplate: "default"},
		{Stage: types.StageFormat, DocType: "pdf", ModelID: "pdf-model", PromptTemplate: "pdf"},
		{Stage: types.StageFormat, Workspace: "legal", ModelID: "legal-model", PromptTemplate: "legal"},
	})

	route, err := r.Resolve(types.StageFormat, "legal", "pdf")
	require.NoError(t, err)
	assert.Equal(t, "legal-model", route.ModelID, "workspace beats doc_type")

	route, err = r.Resolve(types.StageFormat, "household", "pdf")
	require.NoError(t, err)
	assert.Equal(t, "pdf-model", route.ModelID, "doc_type beats default")

	route, err = r.Resolve(types.StageFormat, "household", "txt")
	require.NoError(t, err)
	assert.Equal(t, "default-model", route.ModelID)
}

func TestResolver_NoRuleIsValidationError(t *testing.T) {
	r := NewResolver(nil)

	_, err := r.Resolve(types.StageSynthesize, "w", "t")
	require.Error(t, err)

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindValidation, serr.Kind)
	assert.Equal(t, types.ErrCodeValidation, serr.Code())
}

func TestResolver_PromptHashChangesWithRouting(t *testing.T) {
	base := []config.RoutingRule{
		{Stage: types.StageFormat, ModelID: "m1", PromptTemplate: "p1"},
	}
	changed := []config.RoutingRule{
		{Stage: types.StageFormat, ModelID: "m1", PromptTemplate: "p2"},
	}

	h1 := NewResolver(base).PromptHash("w", "t")
	h2 := NewResolver(base).PromptHash("w", "t")
	h3 := NewResolver(changed).PromptHash("w", "t")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
		code types.ErrorCode
	}{
		{"context canceled", context.Canceled, KindCanceled, types.ErrCodeCanceled},
		{"deadline", context.DeadlineExceeded, KindTransient, types.ErrCodeTransientExhaust},
		{"transient model", model.ErrTransient, KindTransient, types.ErrCodeTransientExhaust},
		{"refusal", model.ErrRefusal, KindModel, types.ErrCodeModelOutput},
		{"malformed", model.ErrMalformedOutput, KindModel, types.ErrCodeModelOutput},
		{"quota", model.ErrQuotaExhausted, KindResource, types.ErrCodeResourceExhausted},
		{"owner mismatch", storage.ErrOwnerMismatch, KindData, types.ErrCodeDataIntegrity},
		{"unknown", assert.AnError, KindInternal, types.ErrCodeInternalPanic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serr := NewError(types.StageFormat, tt.err)
			assert.Equal(t, tt.kind, serr.Kind)
			assert.Equal(t, tt.code, serr.Code())
		})
	}
}

func TestNewError_PreservesExistingClassification(t *testing.T) {
	orig := &Error{Stage: types.StageExtract, Kind: KindValidation, Err: assert.AnError}

	rewrapped := NewError(types.StageEmbed, orig)
	assert.Equal(t, types.StageExtract, rewrapped.Stage)
	assert.Equal(t, KindValidation, rewrapped.Kind)
}

func TestSplit_Deterministic(t *testing.T) {
	text := "abcdefghijklmnopqrstuvwxyz"

	first := Split(text, 10, 3)
	second := Split(text, 10, 3)
	assert.Equal(t, first, second)

	// step = size - overlap = 7
	require.Len(t, first, 4)
	assert.Equal(t, "abcdefghij", first[0])
	assert.Equal(t, "hijklmnopq", first[1])
	assert.Equal(t, "opqrstuvwx", first[2])
	assert.Equal(t, "vwxyz", first[3])
}

func TestSplit_Overlap(t *testing.T) {
	// step = size - overlap = 2; the window reaching the end stops the scan,
	// so no redundant tail window is emitted.
	windows := Split("aaaaaaaaaa", 4, 2)
	assert.Equal(t, []string{"aaaa", "aaaa", "aaaa", "aaaa"}, windows)

	windows = Split("abcdefgh", 5, 2)
	assert.Equal(t, []string{"abcde", "defgh"}, windows)
}

func TestSplit_ShortInput(t *testing.T) {
	windows := Split("short", 800, 100)
	assert.Equal(t, []string{"short"}, windows)

	assert.Nil(t, Split("", 800, 100))
}

func TestExtract_VariantsAndConsolidation(t *testing.T) {
	st := NewExtract()
	doc := &types.Document{ID: "d1", DocType: "txt", MimeType: "text/plain"}

	out, err := st.Run(context.Background(), DocView{
		Doc:     doc,
		Content: []byte("Line  one\nline two\n\nnew para-\ngraph"),
	}, Outputs{}, nil)
	require.NoError(t, err)

	assert.Contains(t, out.Primary, "Line one line two")
	assert.Contains(t, out.Primary, "paragraph", "hyphenated wrap rejoined")
	assert.Len(t, out.Extras, 4)
	assert.Equal(t, "Line  one\nline two\n\nnew para-\ngraph", out.Extras["E1"])
}

func TestExtract_RejectsEmptyAndBinary(t *testing.T) {
	st := NewExtract()
	doc := &types.Document{ID: "d1"}

	_, err := st.Run(context.Background(), DocView{Doc: doc}, Outputs{}, nil)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindValidation, serr.Kind)

	binary := make([]byte, 64)
	for i := range binary {
		binary[i] = byte(i % 8) // control characters
	}
	_, err = st.Run(context.Background(), DocView{Doc: doc, Content: binary}, Outputs{}, nil)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindValidation, serr.Kind)
}

func TestEnrich_AppliesOnlyToConfiguredDocTypes(t *testing.T) {
	st := NewEnrich(nil, []string{"pdf", "scan"})
	cond := st.(Conditional)

	assert.True(t, cond.Applies(DocView{Doc: &types.Document{DocType: "pdf"}}))
	assert.False(t, cond.Applies(DocView{Doc: &types.Document{DocType: "txt"}}))
}

func TestEmbed_DimensionMismatchIsDataError(t *testing.T) {
	client := &fakeClient{
		embed: func(texts []string) ([][]float32, error) {
			vectors := make([][]float32, len(texts))
			for i := range vectors {
				vectors[i] = make([]float32, 3) // wrong dimension
			}
			return vectors, nil
		},
	}
	st := NewEmbedder(client, 8)
	resolver := NewResolver([]config.RoutingRule{
		{Stage: types.StageEmbed, ModelID: "embedder", PromptTemplate: ""},
	})

	prior := Outputs{
		types.StageChunk: {Chunks: []*types.Chunk{{ChunkText: "x", DocumentID: "d1"}}},
	}
	_, err := st.Run(context.Background(), DocView{Doc: &types.Document{ID: "d1"}}, prior, resolver)

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindData, serr.Kind)
	assert.Equal(t, types.ErrCodeDataIntegrity, serr.Code())
}
