package unicast

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config enumerates the layer's tunable options (spec §6.3). Field tags
// follow the teacher's cmd/traffic/cmd/manager/envconfig.go convention of
// one `env:"NAME,default=…"` struct tag per option, loaded with
// github.com/sethvargo/go-envconfig.
type Config struct {
	MaxMsgBatchSize int `env:"UNICAST_MAX_MSG_BATCH_SIZE,default=500"`

	ConnExpiryTimeout time.Duration `env:"UNICAST_CONN_EXPIRY_TIMEOUT,default=0s"`

	XmitTableNumRows          int           `env:"UNICAST_XMIT_TABLE_NUM_ROWS,default=100"`
	XmitTableMsgsPerRow       int           `env:"UNICAST_XMIT_TABLE_MSGS_PER_ROW,default=1000"`
	XmitTableResizeFactor     float64       `env:"UNICAST_XMIT_TABLE_RESIZE_FACTOR,default=1.2"`
	XmitTableMaxCompactionTime time.Duration `env:"UNICAST_XMIT_TABLE_MAX_COMPACTION_TIME,default=10s"`

	XmitInterval time.Duration `env:"UNICAST_XMIT_INTERVAL,default=500ms"`

	LogNotFoundMsgs     bool `env:"UNICAST_LOG_NOT_FOUND_MSGS,default=false"`
	AckBatchesImmediately bool `env:"UNICAST_ACK_BATCHES_IMMEDIATELY,default=false"`

	MaxRetransmitTime time.Duration `env:"UNICAST_MAX_RETRANSMIT_TIME,default=0s"`
}

// NewDefaultConfig returns Config's zero-environment defaults, for tests
// and embedders that wire configuration themselves instead of reading the
// process environment.
func NewDefaultConfig() Config {
	var cfg Config
	_ = envconfig.ProcessWith(context.Background(), &cfg, envconfig.MapLookuper(map[string]string{}))
	return cfg
}

// LoadConfig reads Config from the process environment, following the
// teacher's Env/LoadEnv pattern.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	return cfg, err
}

func (c Config) tableOptions() TableOptions {
	return TableOptions{
		Rows:              c.XmitTableNumRows,
		Cols:              c.XmitTableMsgsPerRow,
		ResizeFactor:      c.XmitTableResizeFactor,
		MaxCompactionTime: c.XmitTableMaxCompactionTime,
	}
}
