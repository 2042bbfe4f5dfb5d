package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALLTERCO/device-provisioning-service/cryptoutils"
	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func newTestKafka(writer messageWriter, keys BootstrapKeyring) *KafkaDistributor {
	return &KafkaDistributor{
		writer: writer,
		topic:  "fleet-lab-credentials",
		addr:   "broker-1:9092",
		keys:   keys,
		log:    testLogger(),
	}
}

func TestKafkaPushSealsPrivateKey(t *testing.T) {
	bootstrapPub, bootstrapPriv, err := cryptoutils.GenerateDeviceKeypair()
	require.NoError(t, err)

	writer := &fakeWriter{}
	dist := newTestKafka(writer, StaticKeyring{"dev-9": bootstrapPub})
	artifacts := testArtifacts(t, "unit-9")

	receipt, err := dist.Push(context.Background(), interfaces.Target{Identity: "unit-9", ClientID: "dev-9"}, artifacts)
	require.NoError(t, err)

	assert.Equal(t, "kafka", receipt.Transport)
	assert.Equal(t, "fleet-lab-credentials@broker-1:9092", receipt.Endpoint)

	require.Len(t, writer.msgs, 1)
	assert.Equal(t, []byte("dev-9"), writer.msgs[0].Key, "messages are keyed by client identifier")

	var msg CredentialMessage
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &msg))
	assert.Equal(t, "dev-9", msg.ClientID)
	assert.Equal(t, string(artifacts.Cert), msg.Cert)
	assert.Equal(t, string(artifacts.CACert), msg.CACert)
	require.NotEmpty(t, msg.SealedKey)
	assert.NotEqual(t, []byte(artifacts.PrivateKey), msg.SealedKey, "the published key must not be plaintext")

	opened, err := cryptoutils.UnsealWithPrivateKey(bootstrapPriv, msg.SealedKey)
	require.NoError(t, err, "the device bootstrap key must open the sealed payload")
	assert.Equal(t, []byte(artifacts.PrivateKey), opened)

	leaf, err := artifacts.Cert.GetX509Cert()
	require.NoError(t, err)
	assert.True(t, msg.Fingerprint.Equal(interfaces.ComputeFingerprint(leaf.Raw)))
}

func TestKafkaPushRefusesPlaintextKey(t *testing.T) {
	writer := &fakeWriter{}
	dist := newTestKafka(writer, StaticKeyring{})

	_, err := dist.Push(context.Background(), interfaces.Target{Identity: "unit-10", ClientID: "dev-10"}, testArtifacts(t, "unit-10"))
	require.Error(t, err, "publishing a private key without a bootstrap key must be refused")
	assert.NotErrorIs(t, err, interfaces.ErrTransport, "the refusal is permanent, not retryable")
	assert.Contains(t, err.Error(), "refusing")
	assert.Empty(t, writer.msgs, "nothing may reach the broker")
}

func TestKafkaPushPublicArtifactsWithoutKeyring(t *testing.T) {
	writer := &fakeWriter{}
	dist := newTestKafka(writer, nil)

	certPEM, _ := newSignedPair(t, "unit-11")
	artifacts := interfaces.ArtifactSet{CACert: certPEM, Cert: certPEM}

	_, err := dist.Push(context.Background(), interfaces.Target{Identity: "unit-11", ClientID: "dev-11"}, artifacts)
	require.NoError(t, err, "device-held-key mode publishes public material only")

	require.Len(t, writer.msgs, 1)
	var msg CredentialMessage
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &msg))
	assert.Empty(t, msg.SealedKey)
}

func TestKafkaPushBrokerFailureIsTransient(t *testing.T) {
	writer := &fakeWriter{err: errors.New("dial tcp 127.0.0.1:9092: connection refused")}
	dist := newTestKafka(writer, nil)

	certPEM, _ := newSignedPair(t, "unit-12")
	artifacts := interfaces.ArtifactSet{CACert: certPEM, Cert: certPEM}

	_, err := dist.Push(context.Background(), interfaces.Target{Identity: "unit-12", ClientID: "dev-12"}, artifacts)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrTransport)
}

func TestKafkaPushRequiresClientID(t *testing.T) {
	dist := newTestKafka(&fakeWriter{}, nil)

	certPEM, _ := newSignedPair(t, "unit-13")
	artifacts := interfaces.ArtifactSet{CACert: certPEM, Cert: certPEM}

	_, err := dist.Push(context.Background(), interfaces.Target{Identity: "unit-13"}, artifacts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client identifier")
}

func TestNewKafkaDistributorBuildsWriter(t *testing.T) {
	dist := NewKafkaDistributor([]string{"broker-1:9092", "broker-2:9092"}, "fleet", nil, testLogger())
	t.Cleanup(func() { dist.Close() })

	writer, ok := dist.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "fleet", writer.Topic)
	assert.Equal(t, "broker-1:9092,broker-2:9092", dist.addr)
}
