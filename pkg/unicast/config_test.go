package unicast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultConfigMatchesDocumentedDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Equal(t, 500, cfg.MaxMsgBatchSize)
	assert.Equal(t, 100, cfg.XmitTableNumRows)
	assert.Equal(t, 1000, cfg.XmitTableMsgsPerRow)
	assert.Equal(t, 1.2, cfg.XmitTableResizeFactor)
	assert.Equal(t, 10*time.Second, cfg.XmitTableMaxCompactionTime)
	assert.Equal(t, 500*time.Millisecond, cfg.XmitInterval)
	assert.False(t, cfg.LogNotFoundMsgs)
	assert.False(t, cfg.AckBatchesImmediately)
	assert.Equal(t, time.Duration(0), cfg.ConnExpiryTimeout)
	assert.Equal(t, time.Duration(0), cfg.MaxRetransmitTime)
}

func TestConfigTableOptionsProjection(t *testing.T) {
	cfg := NewDefaultConfig()
	opts := cfg.tableOptions()
	assert.Equal(t, cfg.XmitTableNumRows, opts.Rows)
	assert.Equal(t, cfg.XmitTableMsgsPerRow, opts.Cols)
	assert.Equal(t, cfg.XmitTableResizeFactor, opts.ResizeFactor)
	assert.Equal(t, cfg.XmitTableMaxCompactionTime, opts.MaxCompactionTime)
}
