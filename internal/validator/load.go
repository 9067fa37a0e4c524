package validator

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// fileEntry is the JSON form of one validator.
type fileEntry struct {
	ID          string `json:"id"`
	BLSPubkey   string `json:"bls_pubkey"`
	VotingPower uint64 `json:"voting_power"`
}

// LoadFile reads a JSON array of validators and builds a Verifier.
func LoadFile(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read validator file:\n%w", err)
	}

	infos, err := ParseJSON(data)
	if err != nil {
		return nil, err
	}

	return NewVerifier(infos)
}

// ParseJSON decodes validators from their JSON form.
func ParseJSON(data []byte) ([]ValidatorInfo, error) {
	var entries []fileEntry

	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode validators:\n%w", err)
	}

	infos := make([]ValidatorInfo, len(entries))

	for i, e := range entries {
		id, err := PeerIDFromHex(e.ID)
		if err != nil {
			return nil, fmt.Errorf("validator %d:\n%w", i, err)
		}

		pk, err := hex.DecodeString(e.BLSPubkey)
		if err != nil || len(pk) != len(infos[i].BLSPubkey) {
			return nil, fmt.Errorf("validator %d: malformed bls_pubkey", i)
		}

		infos[i].ID = id
		infos[i].VotingPower = e.VotingPower
		copy(infos[i].BLSPubkey[:], pk)
	}

	return infos, nil
}

// MarshalJSON encodes validators in the format read by ParseJSON.
func MarshalJSON(infos []ValidatorInfo) ([]byte, error) {
	entries := make([]fileEntry, len(infos))

	for i, info := range infos {
		entries[i] = fileEntry{
			ID:          info.ID.String(),
			BLSPubkey:   hex.EncodeToString(info.BLSPubkey[:]),
			VotingPower: info.VotingPower,
		}
	}

	return json.MarshalIndent(entries, "", "  ")
}
