/*
Package config describes the parameters of a node and loads them from a
configuration file and the environment.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/seqbft/sign"
)

// Timeouts are the per-step consensus timeouts; each grows by its delta per round.
type Timeouts struct {
	Propose        time.Duration
	ProposeDelta   time.Duration
	Prevote        time.Duration
	PrevoteDelta   time.Duration
	Precommit      time.Duration
	PrecommitDelta time.Duration
	Max            time.Duration
}

// StreamLimits bound proposal stream reassembly.
type StreamLimits struct {
	MaxStreams         int
	MaxChunksPerStream int
	MaxStreamBytes     int
	MaxFutureHeights   uint64
}

// Config defines a type to describe the configuration.
type Config struct {
	Name                 string
	MaxPool              int
	ClusterAddr          map[string]string // map from name to address
	ClusterPort          map[string]int    // map from name to port
	ClusterAddrWithPorts map[string]uint8  // map from addr:port to index
	Weights              map[string]uint64 // map from name to voting weight
	PublicKeyMap         map[string]ed25519.PublicKey
	PrivateKey           ed25519.PrivateKey
	TsPublicKey          *share.PubPoly
	TsPrivateKey         *share.PriShare
	TsThreshold          int
	LogLevel             int
	IsFaulty             bool
	Mode                 string
	BatchSize            int
	TxSize               int
	ChunkSize            int
	DataDir              string
	MetricsAddr          string
	StartHeight          uint64
	PeerWait             time.Duration

	Timeouts           Timeouts
	MaxFutureRounds    int
	FutureHeightLimit  int
	FutureMessageLimit int
	Stream             StreamLimits
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_pool", 4)
	v.SetDefault("log_level", 3)
	v.SetDefault("mode", "active")
	v.SetDefault("batch_size", 100)
	v.SetDefault("tx_size", 256)
	v.SetDefault("chunk_size", 64<<10)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("peer_wait", "15s")
	v.SetDefault("timeouts.propose", "3s")
	v.SetDefault("timeouts.propose_delta", "500ms")
	v.SetDefault("timeouts.prevote", "1s")
	v.SetDefault("timeouts.prevote_delta", "500ms")
	v.SetDefault("timeouts.precommit", "1s")
	v.SetDefault("timeouts.precommit_delta", "500ms")
	v.SetDefault("timeouts.max", "1m")
	v.SetDefault("max_future_rounds", 10)
	v.SetDefault("future_height_limit", 10)
	v.SetDefault("future_message_limit", 10000)
	v.SetDefault("stream.max_streams", 256)
	v.SetDefault("stream.max_chunks_per_stream", 1024)
	v.SetDefault("stream.max_stream_bytes", 32<<20)
	v.SetDefault("stream.max_future_heights", 10)
}

// LoadConfig loads configName from the given paths (the working directory
// when none are given). Environment variables prefixed with configPrefix
// override file values.
func LoadConfig(configPrefix, configName string, paths ...string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	if len(paths) == 0 {
		paths = []string{"./"}
	}
	for _, p := range paths {
		viperConfig.AddConfigPath(p)
	}
	setDefaults(viperConfig)
	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, err
	}

	privKeyED, err := hex.DecodeString(viperConfig.GetString("privkeyed"))
	if err != nil {
		return nil, fmt.Errorf("privkeyed: %w", err)
	}

	conf := &Config{
		Name:        viperConfig.GetString("name"),
		MaxPool:     viperConfig.GetInt("max_pool"),
		PrivateKey:  privKeyED,
		TsThreshold: viperConfig.GetInt("ts_threshold"),
		LogLevel:    viperConfig.GetInt("log_level"),
		IsFaulty:    viperConfig.GetBool("is_faulty"),
		Mode:        viperConfig.GetString("mode"),
		BatchSize:   viperConfig.GetInt("batch_size"),
		TxSize:      viperConfig.GetInt("tx_size"),
		ChunkSize:   viperConfig.GetInt("chunk_size"),
		DataDir:     viperConfig.GetString("data_dir"),
		MetricsAddr: viperConfig.GetString("metrics_addr"),
		StartHeight: viperConfig.GetUint64("start_height"),
		PeerWait:    viperConfig.GetDuration("peer_wait"),
		Timeouts: Timeouts{
			Propose:        viperConfig.GetDuration("timeouts.propose"),
			ProposeDelta:   viperConfig.GetDuration("timeouts.propose_delta"),
			Prevote:        viperConfig.GetDuration("timeouts.prevote"),
			PrevoteDelta:   viperConfig.GetDuration("timeouts.prevote_delta"),
			Precommit:      viperConfig.GetDuration("timeouts.precommit"),
			PrecommitDelta: viperConfig.GetDuration("timeouts.precommit_delta"),
			Max:            viperConfig.GetDuration("timeouts.max"),
		},
		MaxFutureRounds:    viperConfig.GetInt("max_future_rounds"),
		FutureHeightLimit:  viperConfig.GetInt("future_height_limit"),
		FutureMessageLimit: viperConfig.GetInt("future_message_limit"),
		Stream: StreamLimits{
			MaxStreams:         viperConfig.GetInt("stream.max_streams"),
			MaxChunksPerStream: viperConfig.GetInt("stream.max_chunks_per_stream"),
			MaxStreamBytes:     viperConfig.GetInt("stream.max_stream_bytes"),
			MaxFutureHeights:   viperConfig.GetUint64("stream.max_future_heights"),
		},
	}

	if s := viperConfig.GetString("tspubkey"); s != "" {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("tspubkey: %w", err)
		}
		if conf.TsPublicKey, err = sign.DecodeTSPublicKey(b); err != nil {
			return nil, err
		}
	}
	if s := viperConfig.GetString("tsshare"); s != "" {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("tsshare: %w", err)
		}
		if conf.TsPrivateKey, err = sign.DecodeTSPartialKey(b); err != nil {
			return nil, err
		}
	}

	peersP2PPort := viperConfig.GetStringMap("peers_p2p_port")
	peersIPs := viperConfig.GetStringMap("cluster_ips")
	pubKeys := viperConfig.GetStringMap("cluster_pubkeyed")
	weights := viperConfig.GetStringMap("weights")
	conf.PublicKeyMap = make(map[string]ed25519.PublicKey, len(pubKeys))
	conf.ClusterAddr = make(map[string]string, len(pubKeys))
	conf.ClusterPort = make(map[string]int, len(pubKeys))
	conf.ClusterAddrWithPorts = make(map[string]uint8, len(pubKeys))
	conf.Weights = make(map[string]uint64, len(pubKeys))
	for name, pkAsInterface := range pubKeys {
		port, ok := peersP2PPort[name].(int)
		if !ok {
			return nil, fmt.Errorf("no p2p port for %s", name)
		}
		addr, ok := peersIPs[name].(string)
		if !ok {
			return nil, fmt.Errorf("no address for %s", name)
		}
		pkAsString, ok := pkAsInterface.(string)
		if !ok {
			return nil, errors.New("public key in the config file cannot be decoded correctly")
		}
		pubKey, err := hex.DecodeString(pkAsString)
		if err != nil {
			return nil, err
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			return nil, fmt.Errorf("node name %q must be node<index>", name)
		}
		conf.PublicKeyMap[name] = pubKey
		conf.ClusterPort[name] = port
		conf.ClusterAddr[name] = addr
		conf.ClusterAddrWithPorts[addr+":"+strconv.Itoa(port)] = uint8(id)
		conf.Weights[name] = 1
		if w, ok := weights[name]; ok {
			conf.Weights[name] = toUint64(w)
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func toUint64(v interface{}) uint64 {
	switch w := v.(type) {
	case int:
		return uint64(w)
	case int64:
		return uint64(w)
	case uint64:
		return w
	case float64:
		return uint64(w)
	default:
		return 0
	}
}

// Validate checks the fields a node cannot start without.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if _, ok := c.ClusterAddr[c.Name]; !ok {
		return fmt.Errorf("node %s is not part of the cluster", c.Name)
	}
	if len(c.PrivateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key has %d bytes, want %d", len(c.PrivateKey), ed25519.PrivateKeySize)
	}
	if c.ChunkSize <= 0 {
		return errors.New("chunk_size must be positive")
	}
	var total uint64
	for _, w := range c.Weights {
		total += w
	}
	if total == 0 {
		return errors.New("cluster has zero total weight")
	}
	return nil
}

// Peers returns the cluster's addr:port list sorted by node index.
func (c *Config) Peers() []string {
	peers := make([]string, 0, len(c.ClusterAddrWithPorts))
	for addr := range c.ClusterAddrWithPorts {
		peers = append(peers, addr)
	}
	sort.Slice(peers, func(i, j int) bool {
		return c.ClusterAddrWithPorts[peers[i]] < c.ClusterAddrWithPorts[peers[j]]
	})
	return peers
}
