package acf

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
)

// AdapterInfoVersion is the on-disk version of the adapter info payload.
const AdapterInfoVersion uint32 = 1

// AdapterInfo carries adapter-level metadata. The payload is JSON so minor
// versions can add fields without breaking older readers.
type AdapterInfo struct {
	// FormatVersion is the adapter semantic version, independent of the
	// container major/minor.
	FormatVersion int `json:"format_version"`

	// ModelVersion names the model build the deltas were produced against.
	ModelVersion string `json:"model_version,omitempty"`

	// Name is an advisory default registration name.
	Name string `json:"name,omitempty"`

	// DataDigest is the xxhash64 of the tensor data section, hex encoded.
	DataDigest string `json:"data_digest,omitempty"`
}

// EncodeAdapterInfo serialises the info payload.
func EncodeAdapterInfo(info AdapterInfo) ([]byte, error) {
	return json.Marshal(info)
}

// ParseAdapterInfo deserialises an adapter info payload.
func ParseAdapterInfo(sec []byte) (AdapterInfo, error) {
	var info AdapterInfo
	if err := json.Unmarshal(sec, &info); err != nil {
		return AdapterInfo{}, fmt.Errorf("%w: adapter info: %v", ErrCorruptFile, err)
	}
	if info.FormatVersion <= 0 {
		return AdapterInfo{}, fmt.Errorf("%w: adapter info missing format_version", ErrCorruptFile)
	}
	return info, nil
}

// Digest computes the payload digest recorded in AdapterInfo.DataDigest.
func Digest(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// VerifyDigest checks the tensor data section against the recorded digest.
// Files written without a digest pass.
func VerifyDigest(info AdapterInfo, data []byte) error {
	if info.DataDigest == "" {
		return nil
	}
	if got := Digest(data); got != info.DataDigest {
		return fmt.Errorf("%w: data digest mismatch: have %s, recorded %s",
			ErrCorruptFile, got, info.DataDigest)
	}
	return nil
}
