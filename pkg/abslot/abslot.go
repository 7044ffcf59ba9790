// Package abslot implements A/B volume selection and ESP install-index
// allocation (C5): picking the inactive side of an A/B pair, and finding
// the lowest install index not already occupied on the EFI System
// Partition.
//
// Grounded on original_source/crates/trident/src/engine/install_index.rs
// and the make_esp_dir_name_candidates helper in
// original_source/src/engine/boot/mod.rs.
package abslot

import (
	"path/filepath"

	"github.com/spf13/afero"

	elementalError "github.com/rancher-sandbox/hostagent/pkg/error"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

const (
	installIDPrefix = "AZL"
	volumeAName     = "A"
	volumeBName     = "B"
	// maxCandidates bounds the index search so a corrupted or adversarial
	// ESP can't hang next index allocation forever.
	maxCandidates = 1000
)

// Other returns the inactive side of an A/B volume selection.
func Other(v types.AbVolume) types.AbVolume {
	switch v {
	case types.AbVolumeA:
		return types.AbVolumeB
	case types.AbVolumeB:
		return types.AbVolumeA
	default:
		return types.AbVolumeA
	}
}

// EspDirNames returns the ESP /EFI directory names that correspond to
// index for each of the two A/B volume selections, in (A, B) order. Index
// 0 gets the bare prefix; every later index is rendered 1-indexed.
func EspDirNames(index int) [2]string {
	suffix := ""
	if index > 0 {
		suffix = itoa(index + 1)
	}
	return [2]string{
		installIDPrefix + suffix + volumeAName,
		installIDPrefix + suffix + volumeBName,
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// NextInstallIndex returns the lowest install index for which neither
// ESP directory name exists under espEfiDir. It searches up to
// maxCandidates indices before giving up, matching the original's bound.
func NextInstallIndex(fs afero.Fs, espEfiDir string) (int, error) {
	for idx := 0; idx < maxCandidates; idx++ {
		names := EspDirNames(idx)
		available := true
		for _, name := range names {
			exists, err := afero.DirExists(fs, filepath.Join(espEfiDir, name))
			if err != nil {
				return 0, elementalError.WrapInternal(err, "failed to inspect ESP EFI directory")
			}
			if exists {
				available = false
				break
			}
		}
		if available {
			return idx, nil
		}
	}
	return 0, elementalError.New("no available install index in the first 1000 candidates", elementalError.InvalidConfiguration)
}
