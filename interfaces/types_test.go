package interfaces

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialNumberRoundTrip(t *testing.T) {
	sn, err := RandomSerialNumber()
	require.NoError(t, err, "Should draw a random serial")

	parsed, err := SerialNumberFromHex(sn.String())
	require.NoError(t, err, "Canonical encoding should parse back")
	assert.True(t, sn.Equal(parsed), "Round trip should preserve the serial")

	fromBig, err := SerialNumberFromBigInt(sn.BigInt())
	require.NoError(t, err, "big.Int conversion should succeed")
	assert.Equal(t, sn, fromBig, "big.Int round trip should preserve leading zero bytes")
}

func TestSerialNumberFromBigIntBounds(t *testing.T) {
	_, err := SerialNumberFromBigInt(new(big.Int).Lsh(big.NewInt(1), 128))
	assert.Error(t, err, "129-bit value should be rejected")

	_, err = SerialNumberFromBigInt(big.NewInt(-1))
	assert.Error(t, err, "Negative serial should be rejected")

	small, err := SerialNumberFromBigInt(big.NewInt(0x42))
	require.NoError(t, err)
	assert.Equal(t, "00000000000000000000000000000042", small.String(), "Small values should be left-padded")
}

func TestSerialNumberFromHexValidation(t *testing.T) {
	_, err := SerialNumberFromHex("abcd")
	assert.Error(t, err, "Short hex should be rejected")

	_, err = SerialNumberFromHex(strings.Repeat("zz", 16))
	assert.Error(t, err, "Non-hex characters should be rejected")
}

func TestFingerprintEncodings(t *testing.T) {
	fp := ComputeFingerprint([]byte("certificate der bytes"))

	assert.Len(t, fp.String(), 64, "Storage key should be 64 hex characters")
	assert.Equal(t, strings.ToLower(fp.String()), fp.String(), "Storage key should be lowercase")

	display := fp.Display()
	assert.Len(t, strings.Split(display, ":"), 32, "Display form should have 32 colon-separated octets")
	assert.Equal(t, strings.ToUpper(display), display, "Display form should be uppercase")

	fromStorage, err := FingerprintFromHex(fp.String())
	require.NoError(t, err)
	assert.True(t, fp.Equal(fromStorage), "Storage form should parse back")

	fromDisplay, err := FingerprintFromHex(display)
	require.NoError(t, err)
	assert.True(t, fp.Equal(fromDisplay), "Display form should parse back")
}

func TestJobStateTerminal(t *testing.T) {
	terminal := []JobState{JobVerified, JobFailed, JobRolledBack}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "State %s should be terminal", s)
	}

	nonTerminal := []JobState{JobRequested, JobKeyGenerated, JobCertIssued, JobDistributed}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "State %s should not be terminal", s)
	}
}

func TestRecordJSONUsesTextEncodings(t *testing.T) {
	sn, err := SerialNumberFromHex("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)

	record := CertificateRecord{
		SerialNumber: sn,
		Identity:     "shelly-plug-7c3b",
		Status:       CertActive,
		Fingerprint:  ComputeFingerprint([]byte("der")),
	}

	raw, err := json.Marshal(record)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"serial_number":"000102030405060708090a0b0c0d0e0f"`,
		"Serial should marshal as canonical hex, not a byte array")
	assert.Contains(t, string(raw), record.Fingerprint.String(),
		"Fingerprint should marshal in the storage form")

	var back CertificateRecord
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, record.SerialNumber, back.SerialNumber)
	assert.Equal(t, record.Fingerprint, back.Fingerprint)
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("Device")
	require.NoError(t, err, "Role parsing should be case-insensitive")
	assert.Equal(t, RoleDevice, role)

	_, err = ParseRole("superuser")
	assert.Error(t, err, "Unknown roles should be rejected")
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "job_in_progress", ErrorKind(ErrJobInProgress))
	assert.Equal(t, "transport", ErrorKind(ErrTransport))
	assert.Equal(t, "internal", ErrorKind(assert.AnError), "Unclassified errors should report internal")
	assert.Equal(t, "", ErrorKind(nil))
}
