package storage

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/rancher-sandbox/hostagent/pkg/types"
)

// luksKeyLen matches cryptsetup's default LUKS2 master key length for an
// AES-256 cipher.
const luksKeyLen = 64

// pbkdf2Iterations follows NIST SP 800-132's minimum recommendation for a
// recovery-key passphrase stretch; the TPM2-sealed recovery key fetched from
// Encryption.RecoveryKeyURL is treated as low-entropy passphrase material
// rather than an already-uniform secret, since no TPM2 sealing/unsealing
// library appears anywhere in this lineage's dependency surface (see
// DESIGN.md).
const pbkdf2Iterations = 600000

// DeriveVolumeKey turns one recovery secret, fetched once per servicing
// operation from Encryption.RecoveryKeyURL, into an independent LUKS key per
// encrypted volume: a volume compromised in isolation (e.g. a drive pulled
// from the host) never exposes the key protecting any other volume.
//
// recoveryKey is first stretched with PBKDF2 (it may be short, low-entropy
// passphrase material) and then run through HKDF-Expand with the volume id
// as context info, producing a distinct LUKS key per volume from the single
// stretched secret.
func DeriveVolumeKey(recoveryKey []byte, volumeId types.BlockDeviceId) ([]byte, error) {
	salt := sha256.Sum256([]byte("hostagent-luks-recovery-key-salt"))
	stretched := pbkdf2.Key(recoveryKey, salt[:], pbkdf2Iterations, sha256.Size, sha256.New)

	reader := hkdf.New(sha256.New, stretched, nil, []byte(volumeId))
	key := make([]byte, luksKeyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
