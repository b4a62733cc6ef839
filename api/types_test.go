package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptMarkerValidate(t *testing.T) {
	assert.NoError(t, TokenMarker(5).Validate())
	assert.NoError(t, ImageMarker(0).Validate())
	assert.Error(t, PromptMarker{}.Validate())

	tok := int32(5)
	img := 0
	assert.Error(t, PromptMarker{Token: &tok, Image: &img}.Validate())
}

func TestGenerateRequestValidate(t *testing.T) {
	req := GenerateRequest{Markers: []PromptMarker{TokenMarker(1), ImageMarker(0)}}
	assert.NoError(t, req.Validate())

	assert.Error(t, (&GenerateRequest{}).Validate())

	req.Markers = append(req.Markers, PromptMarker{})
	assert.ErrorContains(t, req.Validate(), "marker 2")
}

func TestMarkerJSONOmitsUnsetField(t *testing.T) {
	bts, err := json.Marshal(TokenMarker(7))
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":7}`, string(bts))

	bts, err = json.Marshal(ImageMarker(1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"image":1}`, string(bts))
}
