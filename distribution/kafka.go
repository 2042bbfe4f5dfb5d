package distribution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ALLTERCO/device-provisioning-service/cryptoutils"
	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// CredentialMessage is the bus payload a device (or its field gateway)
// consumes. The private key, when present, is sealed with the device's
// bootstrap public key; plaintext keys are never published to a broker.
type CredentialMessage struct {
	ClientID    string                 `json:"client_id"`
	Identity    string                 `json:"identity"`
	CACert      string                 `json:"ca_cert"`
	Cert        string                 `json:"cert"`
	SealedKey   []byte                 `json:"sealed_key,omitempty"`
	Fingerprint interfaces.Fingerprint `json:"fingerprint"`
	IssuedAt    time.Time              `json:"issued_at"`
}

// BootstrapKeyring provides per-device bootstrap public keys for sealing
// private keys published over the bus.
type BootstrapKeyring interface {
	BootstrapKey(clientID string) (interfaces.PubkeyPEM, bool)
}

// StaticKeyring is a fixed clientID to bootstrap key map, loaded from
// operator configuration.
type StaticKeyring map[string]interfaces.PubkeyPEM

func (k StaticKeyring) BootstrapKey(clientID string) (interfaces.PubkeyPEM, bool) {
	key, ok := k[clientID]
	return key, ok
}

// LoadKeyring reads a keyring from a JSON file mapping client IDs to PEM
// encoded bootstrap public keys. Every key is validated on load.
func LoadKeyring(path string) (StaticKeyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keyring: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing keyring: %w", err)
	}

	keyring := make(StaticKeyring, len(raw))
	for clientID, pemData := range raw {
		key, err := cryptoutils.NewPubkeyPEM([]byte(pemData))
		if err != nil {
			return nil, fmt.Errorf("bootstrap key for %q: %w", clientID, err)
		}
		keyring[clientID] = key
	}
	return keyring, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaDistributor publishes credential sets to a per-fleet topic, keyed by
// the device client identifier so one device's messages stay on one
// partition.
type KafkaDistributor struct {
	writer messageWriter
	topic  string
	addr   string
	keys   BootstrapKeyring
	log    *slog.Logger
}

// NewKafkaDistributor builds a distributor producing to the given topic.
// The keyring may be nil for fleets that never receive server-generated
// keys.
func NewKafkaDistributor(brokers []string, topic string, keys BootstrapKeyring, log *slog.Logger) *KafkaDistributor {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaDistributor{
		writer: writer,
		topic:  topic,
		addr:   strings.Join(brokers, ","),
		keys:   keys,
		log:    log,
	}
}

// Push publishes one credential message. Broker failures wrap ErrTransport;
// a missing bootstrap key in server-generated-key mode is permanent, the
// adapter refuses rather than publish a plaintext key.
func (d *KafkaDistributor) Push(ctx context.Context, target interfaces.Target, artifacts interfaces.ArtifactSet) (*interfaces.DistributionReceipt, error) {
	if target.ClientID == "" {
		return nil, fmt.Errorf("bus distribution requires a client identifier for %s", target.Identity)
	}
	if err := validateArtifacts(artifacts); err != nil {
		return nil, err
	}
	digest, err := leafFingerprint(artifacts.Cert)
	if err != nil {
		return nil, err
	}

	msg := CredentialMessage{
		ClientID:    target.ClientID,
		Identity:    target.Identity,
		CACert:      string(artifacts.CACert),
		Cert:        string(artifacts.Cert),
		Fingerprint: digest,
		IssuedAt:    time.Now().UTC(),
	}

	if artifacts.HasPrivateKey() {
		var bootstrapKey interfaces.PubkeyPEM
		ok := false
		if d.keys != nil {
			bootstrapKey, ok = d.keys.BootstrapKey(target.ClientID)
		}
		if !ok {
			return nil, fmt.Errorf("no bootstrap key registered for %s: refusing to publish a plaintext private key", target.ClientID)
		}

		sealed, err := cryptoutils.SealWithPublicKey(bootstrapKey, artifacts.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("sealing private key for %s: %w", target.ClientID, err)
		}
		msg.SealedKey = sealed
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding credential message: %w", err)
	}

	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(target.ClientID),
		Value: payload,
		Time:  msg.IssuedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: publishing to %s: %v", interfaces.ErrTransport, d.topic, err)
	}

	d.log.Debug("credentials published",
		"target", target.Identity,
		"topic", d.topic,
		"fingerprint", digest.Display(),
		"sealed_key", len(msg.SealedKey) > 0,
	)

	return &interfaces.DistributionReceipt{
		Transport:   "kafka",
		Endpoint:    fmt.Sprintf("%s@%s", d.topic, d.addr),
		Digest:      digest,
		DeliveredAt: time.Now(),
	}, nil
}

// Close flushes and releases the underlying producer.
func (d *KafkaDistributor) Close() error {
	if closer, ok := d.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
