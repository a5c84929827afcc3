package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCachedSystemBlocks(t *testing.T) {
	blocks := BuildCachedSystemBlocks("classify this email", "5m")
	require.Len(t, blocks, 1)
	assert.Equal(t, "classify this email", blocks[0].Text)
	require.NotNil(t, blocks[0].CacheControl)
	assert.Equal(t, "5m", blocks[0].CacheControl.TTL)
}

func TestBuildCachedSystemBlocks_Empty(t *testing.T) {
	assert.Nil(t, BuildCachedSystemBlocks("", "1h"))
}

func TestToSDKSystemBlocks_CacheControl(t *testing.T) {
	out := toSDKSystemBlocks(BuildCachedSystemBlocks("sys", "1h"))
	require.Len(t, out, 1)
	assert.Equal(t, "sys", out[0].Text)
	assert.Equal(t, "1h", string(out[0].CacheControl.TTL))

	plain := toSDKSystemBlocks([]SystemBlock{{Text: "plain"}})
	assert.Equal(t, "plain", plain[0].Text)
	assert.Empty(t, string(plain[0].CacheControl.TTL))
}

func TestMessageResponse_Text(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: "Here is the result:"},
		{Type: "tool_use"},
		{Type: "text", Text: `{"priority":"high"}`},
	}}
	assert.Equal(t, "Here is the result:\n{\"priority\":\"high\"}", resp.Text())

	var nilResp *MessageResponse
	assert.Equal(t, "", nilResp.Text())
}
