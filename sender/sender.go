// Package sender implements the Message Sender: the decision algorithm
// that, for each recipient device, chooses between delivering through a
// live socket, storing for later, or storing and falling back to a
// platform push notification. Grounded on spec.md §4.5 directly; the
// online-hint short-circuit for ephemeral/receipt envelopes is grounded
// on original_source MessageController's separate handling of receipts
// vs. persisted envelopes.
package sender

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/delivery/domain"
)

// SocketDeliverer delivers env directly to a live socket session for
// device on this server instance, returning true if a session was found
// and the write succeeded.
type SocketDeliverer interface {
	DeliverIfConnected(ctx context.Context, device domain.DeviceKey, env *domain.Envelope) (bool, error)
}

// PushNotifier is notified that device has a new message waiting and
// should receive a platform push fallback. FetchesMessages devices
// (spec.md §4.6's "fetches messages" exemption) are skipped by the
// caller before this is invoked.
type PushNotifier interface {
	Schedule(ctx context.Context, device domain.DeviceKey)
}

// DeviceEnumerator resolves an account into its active device ids. This
// is an external collaborator (account/device CRUD is out of scope,
// spec.md §1).
type DeviceEnumerator interface {
	Devices(ctx context.Context, accountUUID uuid.UUID) ([]domain.DeviceKey, error)
}

// MessageStore is the narrow slice of messages.Manager the sender needs:
// just enough to queue an envelope, not the whole read/delete surface.
type MessageStore interface {
	Insert(ctx context.Context, device domain.DeviceKey, env *domain.Envelope) (domain.QueueID, error)
}

// PresenceLookup is the narrow slice of presence.Registry the sender
// needs to decide whether a device is connected anywhere in the cluster
// before scheduling a push fallback.
type PresenceLookup interface {
	Lookup(ctx context.Context, device domain.DeviceKey) (serverID string, present bool, err error)
}

type Outcome int

const (
	Delivered Outcome = iota
	Stored
	StoredAndPushed
)

type DeviceOutcome struct {
	Device  domain.DeviceKey
	Outcome Outcome
	Err     error
}

type Sender struct {
	messages        MessageStore
	presence        PresenceLookup
	socket          SocketDeliverer
	push            PushNotifier
	serverID        string
	fetchesMessages func(device domain.DeviceKey) bool
}

func New(m MessageStore, p PresenceLookup, socket SocketDeliverer, push PushNotifier, serverID string, fetchesMessages func(domain.DeviceKey) bool) *Sender {
	if fetchesMessages == nil {
		fetchesMessages = func(domain.DeviceKey) bool { return false }
	}
	return &Sender{messages: m, presence: p, socket: socket, push: push, serverID: serverID, fetchesMessages: fetchesMessages}
}

// SendToDevice runs the core per-device decision: try delivery over a
// live socket held by this instance first;
// receipts/ephemeral envelopes for an "online" caller skip durable
// storage entirely; everything else is queued, and a push fallback is
// scheduled unless the device says it fetches messages on its own.
func (s *Sender) SendToDevice(ctx context.Context, device domain.DeviceKey, env *domain.Envelope, online bool) DeviceOutcome {
	if env.Ephemeral() && online {
		delivered, err := s.socket.DeliverIfConnected(ctx, device, env)
		if err != nil {
			return DeviceOutcome{Device: device, Err: err}
		}
		if delivered {
			return DeviceOutcome{Device: device, Outcome: Delivered}
		}
		// no live socket for an "online" ephemeral envelope: drop it
		// rather than persist, matching the original's distinction
		// between durable Envelopes and ephemeral online-only delivery.
		return DeviceOutcome{Device: device, Outcome: Delivered}
	}

	delivered, err := s.socket.DeliverIfConnected(ctx, device, env)
	if err != nil {
		return DeviceOutcome{Device: device, Err: err}
	}
	if delivered {
		return DeviceOutcome{Device: device, Outcome: Delivered}
	}

	if _, err := s.messages.Insert(ctx, device, env); err != nil {
		return DeviceOutcome{Device: device, Err: err}
	}

	if s.fetchesMessages(device) {
		return DeviceOutcome{Device: device, Outcome: Stored}
	}

	// DeliverIfConnected only reaches sockets held by this instance. A
	// device present on another instance picks the envelope up through
	// the new-message publish that Insert just made, so presence.Lookup
	// is checked here and no push is scheduled for a connected device.
	if s.presence != nil {
		_, present, err := s.presence.Lookup(ctx, device)
		if err == nil && present {
			return DeviceOutcome{Device: device, Outcome: Stored}
		}
	}

	if s.push != nil {
		s.push.Schedule(ctx, device)
	}
	return DeviceOutcome{Device: device, Outcome: StoredAndPushed}
}

// SendPerDevice fans SendToDevice out across envs, one distinct envelope
// per device -- the shape a real E2E-encrypted submission takes, since
// the sender encrypts a separate ciphertext for each recipient device
// rather than one shared envelope. At most 8 sends run concurrently.
func (s *Sender) SendPerDevice(ctx context.Context, envs map[domain.DeviceKey]*domain.Envelope, online bool) []DeviceOutcome {
	outcomes := make([]DeviceOutcome, len(envs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	i := 0
	for d, env := range envs {
		i, d, env := i, d, env
		g.Go(func() error {
			outcomes[i] = s.SendToDevice(gctx, d, env, online)
			return nil
		})
		i++
	}
	_ = g.Wait()
	return outcomes
}
