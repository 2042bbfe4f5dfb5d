package distribution

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALLTERCO/device-provisioning-service/devicesim"
	"github.com/ALLTERCO/device-provisioning-service/interfaces"
	"github.com/ALLTERCO/device-provisioning-service/locator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSignedPair builds a self-signed certificate and its key, both PEM.
func newSignedPair(t *testing.T, cn string) (interfaces.CertPEM, interfaces.KeyPEM) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return interfaces.CertPEM(certPEM), interfaces.KeyPEM(keyPEM)
}

func testArtifacts(t *testing.T, cn string) interfaces.ArtifactSet {
	t.Helper()
	certPEM, keyPEM := newSignedPair(t, cn)
	return interfaces.ArtifactSet{CACert: certPEM, Cert: certPEM, PrivateKey: keyPEM}
}

func startDevice(t *testing.T, clientID string) *devicesim.Device {
	t.Helper()
	dev := devicesim.New(clientID, testLogger())
	require.NoError(t, dev.Start())
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestHTTPPushDeliversAndActivates(t *testing.T) {
	dev := startDevice(t, "unit-01")
	artifacts := testArtifacts(t, "unit-01")
	dist := &HTTPDistributor{ChunkSize: 256, Log: testLogger()}

	target := interfaces.Target{Identity: "unit-01", ClientID: "unit-01", Address: dev.RPCAddr()}
	receipt, err := dist.Push(context.Background(), target, artifacts)
	require.NoError(t, err, "push against a live simulator must succeed")

	assert.Equal(t, "http", receipt.Transport)
	assert.Equal(t, dev.RPCAddr(), receipt.Endpoint)

	leaf, err := artifacts.Cert.GetX509Cert()
	require.NoError(t, err)
	assert.True(t, receipt.Digest.Equal(interfaces.ComputeFingerprint(leaf.Raw)), "receipt digest must fingerprint the leaf")

	require.Equal(t, []byte(artifacts.Cert), []byte(dev.InstalledCertificate()), "device must hold the pushed leaf after the commit frame")
	require.Equal(t, []byte(artifacts.CACert), []byte(dev.InstalledCA()))

	assert.GreaterOrEqual(t, dev.Calls(devicesim.MethodPutTLSCert), 2, "a PEM larger than the chunk size is streamed over multiple frames")
	assert.Equal(t, 1, dev.Calls(devicesim.MethodReboot))
}

func TestHTTPPushIdempotentRepush(t *testing.T) {
	dev := startDevice(t, "unit-02")
	artifacts := testArtifacts(t, "unit-02")
	dist := &HTTPDistributor{ChunkSize: 512, Log: testLogger()}
	target := interfaces.Target{Identity: "unit-02", Address: dev.RPCAddr()}

	_, err := dist.Push(context.Background(), target, artifacts)
	require.NoError(t, err)
	_, err = dist.Push(context.Background(), target, artifacts)
	require.NoError(t, err, "re-pushing the same artifact set must succeed")

	require.Equal(t, []byte(artifacts.Cert), []byte(dev.InstalledCertificate()), "re-push must not corrupt device state")
}

func TestHTTPPushConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	dist := &HTTPDistributor{Log: testLogger()}
	_, err = dist.Push(context.Background(), interfaces.Target{Identity: "unit-03", Address: addr}, testArtifacts(t, "unit-03"))
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrTransport, "connection failures are transient")
}

func TestHTTPPushDeviceRejectionIsPermanent(t *testing.T) {
	dev := startDevice(t, "unit-04")
	certPEM, _ := newSignedPair(t, "unit-04")
	_, wrongKey := newSignedPair(t, "other")
	artifacts := interfaces.ArtifactSet{CACert: certPEM, Cert: certPEM, PrivateKey: wrongKey}

	dist := &HTTPDistributor{Log: testLogger()}
	_, err := dist.Push(context.Background(), interfaces.Target{Identity: "unit-04", Address: dev.RPCAddr()}, artifacts)
	require.Error(t, err, "device refuses a certificate that does not pair with the key")
	assert.NotErrorIs(t, err, interfaces.ErrTransport, "a device rejection must not be retried")
	assert.Contains(t, err.Error(), "device rejected")
}

func TestHTTPPushResolvesThroughLocator(t *testing.T) {
	dev := startDevice(t, "unit-05")
	artifacts := testArtifacts(t, "unit-05")

	loc := locator.NewStaticLocator(map[string]string{"unit-05": dev.RPCAddr()})
	dist := &HTTPDistributor{Locator: loc, Log: testLogger()}

	_, err := dist.Push(context.Background(), interfaces.Target{Identity: "bench-5", ClientID: "unit-05"}, artifacts)
	require.NoError(t, err, "an empty address resolves through the locator by client identifier")

	_, err = dist.Push(context.Background(), interfaces.Target{Identity: "bench-6", ClientID: "unknown"}, artifacts)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestHTTPPushWithoutAddressOrLocator(t *testing.T) {
	dist := &HTTPDistributor{Log: testLogger()}
	_, err := dist.Push(context.Background(), interfaces.Target{Identity: "unit-06"}, testArtifacts(t, "unit-06"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, interfaces.ErrTransport)
	assert.Contains(t, err.Error(), "no locator")
}

func TestHTTPPushMalformedArtifacts(t *testing.T) {
	dist := &HTTPDistributor{Log: testLogger()}
	artifacts := interfaces.ArtifactSet{
		CACert: interfaces.CertPEM("not a certificate"),
		Cert:   interfaces.CertPEM("not a certificate"),
	}
	_, err := dist.Push(context.Background(), interfaces.Target{Identity: "unit-07", Address: "127.0.0.1:1"}, artifacts)
	require.Error(t, err, "malformed PEM must be rejected before any frame is sent")
	assert.NotErrorIs(t, err, interfaces.ErrTransport)
}

func TestHTTPPushHonorsCancellation(t *testing.T) {
	dev := startDevice(t, "unit-08")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dist := &HTTPDistributor{Log: testLogger()}
	_, err := dist.Push(ctx, interfaces.Target{Identity: "unit-08", Address: dev.RPCAddr()}, testArtifacts(t, "unit-08"))
	require.Error(t, err, "a cancelled context must abort the push")
	assert.Equal(t, 0, dev.Calls(devicesim.MethodReboot), "no commit frame after cancellation")
}
