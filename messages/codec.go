package messages

import (
	"github.com/google/uuid"

	"github.com/relaymesh/delivery/domain"
)

func rowToEnvelope(r durableRow) (*domain.Envelope, error) {
	acct, err := uuid.Parse(r.AccountUUID)
	if err != nil {
		return nil, domain.NewError(domain.Fatal, "messages.rowToEnvelope", err)
	}
	guid, err := uuid.Parse(r.GUID)
	if err != nil {
		return nil, domain.NewError(domain.Fatal, "messages.rowToEnvelope", err)
	}
	env := &domain.Envelope{
		GUID:              guid,
		Type:              domain.EnvelopeType(r.EnvelopeType),
		ServerTimestamp:   uint64(r.ServerTS),
		ClientTimestamp:   uint64(r.ClientTS),
		DestinationUUID:   acct,
		DestinationDevice: r.DeviceID,
		SealedSender:      r.SealedSender,
		Content:           r.Content,
	}
	if r.SourceUUID != nil {
		su, err := uuid.Parse(*r.SourceUUID)
		if err != nil {
			return nil, domain.NewError(domain.Fatal, "messages.rowToEnvelope", err)
		}
		env.SourceUUID = su
	}
	if r.SourceDevice != nil {
		env.SourceDevice = *r.SourceDevice
	}
	return env, nil
}
