package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobJSONCarriesTaggedMetadata(t *testing.T) {
	job := Job{
		ID:        "6f1c2f7e-5b1a-4c1e-9a55-0d7a9f3c2b11",
		Tool:      ToolCompressPDF,
		Status:    StatusCompleted,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Metadata: &CompressMeta{
			OriginalSize:     1000,
			CompressedSize:   400,
			ReductionPercent: 60,
			TargetMet:        true,
		},
	}

	data, err := json.Marshal(job)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	envelope, ok := raw["metadata"].(map[string]any)
	require.True(t, ok, "metadata envelope missing: %s", data)
	assert.Equal(t, "compress", envelope["type"])

	var decoded Job
	require.NoError(t, json.Unmarshal(data, &decoded))
	meta, ok := decoded.Metadata.(*CompressMeta)
	require.True(t, ok, "decoded metadata type %T", decoded.Metadata)
	assert.Equal(t, int64(400), meta.CompressedSize)
	assert.True(t, meta.TargetMet)
}

func TestUnmarshalMetadataRejectsUnknownType(t *testing.T) {
	_, err := UnmarshalMetadata([]byte(`{"type":"ocr","data":{}}`))
	assert.Error(t, err)

	m, err := UnmarshalMetadata([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
}
