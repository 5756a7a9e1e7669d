package derived

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
)

// NameKey is the config key holding the desired external collection name.
// It never participates in the reuse key.
const NameKey = "_name"

// canonical encodes map keys in sorted order.
var canonical = jsoniter.ConfigCompatibleWithStandardLibrary

// Key identifies a derived view: the same dataset, upstream stages,
// generator kind and configuration always resolve to the same key. Views
// with different upstream stages never share a key.
type Key struct {
	Dataset      string `json:"dataset" bson:"dataset"`
	Kind         string `json:"kind" bson:"kind"`
	ConfigHash   string `json:"config_hash" bson:"config_hash"`
	UpstreamHash string `json:"upstream_hash" bson:"upstream_hash"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Dataset, k.Kind, k.ConfigHash, k.UpstreamHash)
}

// NewKey returns the key of a generator config applied after upstream.
func NewKey(dataset, kind string, upstream []byte, config map[string]interface{}) (Key, error) {
	h, err := ConfigHash(config)
	if err != nil {
		return Key{}, err
	}
	return Key{
		Dataset:      dataset,
		Kind:         kind,
		ConfigHash:   h,
		UpstreamHash: strconv.FormatUint(xxhash.Sum64(upstream), 16),
	}, nil
}

func withoutName(config map[string]interface{}) map[string]interface{} {
	stripped := make(map[string]interface{}, len(config))
	for k, v := range config {
		if k != NameKey {
			stripped[k] = v
		}
	}
	return stripped
}

// ConfigHash hashes config without its NameKey entry.
func ConfigHash(config map[string]interface{}) (string, error) {
	buf, err := canonical.Marshal(withoutName(config))
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Sum64(buf), 16), nil
}

// Fingerprint hashes the state a derived view was generated from: the
// dataset identity, the serialized upstream stages (without display UUIDs)
// and the generator config. The desired collection name is not part of it,
// so renaming alone never forces a regeneration.
func Fingerprint(dataset string, upstream []byte, config map[string]interface{}) (string, error) {
	cfg, err := canonical.Marshal(withoutName(config))
	if err != nil {
		return "", err
	}
	d := xxhash.New()
	_, _ = d.WriteString(dataset)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(upstream)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(cfg)
	return strconv.FormatUint(d.Sum64(), 16), nil
}
