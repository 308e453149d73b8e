package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatflow-platform/internal/gateway"
	"chatflow-platform/internal/messages"
	"chatflow-platform/pkg/logger"

	"github.com/google/uuid"
)

var (
	// ErrInvalidEvent is a validation failure: the event cannot be deduplicated.
	ErrInvalidEvent  = errors.New("invalid inbound event")
	ErrUnknownDevice = errors.New("unknown device")
)

type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

// Rejection reasons. Rejections are silent: the webhook still acknowledges.
const (
	ReasonFromMe          = "from_me"
	ReasonNoPhone         = "no_phone"
	ReasonUnknownInstance = "unknown_instance"
)

// Result is the outcome of Ingest. Message is set for accepted and duplicate.
type Result struct {
	Status  Status
	Message messages.Message
	Device  Device
	Reason  string
}

// Service turns normalized inbound events into stored Message rows.
//
// Dedup key: (instance_id, gateway_message_id). The storage uniqueness
// constraint decides; Ingest never reads before writing.
type Service struct {
	devices  DeviceRepository
	messages messages.Repository
	clock    func() time.Time
}

func NewService(devices DeviceRepository, msgs messages.Repository) *Service {
	return &Service{devices: devices, messages: msgs, clock: time.Now}
}

func (s *Service) Ingest(ctx context.Context, ev gateway.InboundEvent) (Result, error) {
	if ev.InstanceID == "" || ev.GatewayMessageID == "" {
		return Result{}, fmt.Errorf("%w: instance id and message id are required", ErrInvalidEvent)
	}
	log := logger.From(ctx).With("instance_id", ev.InstanceID, "gateway_message_id", ev.GatewayMessageID)

	// Echoes of our own sends must never re-enter the pipeline.
	if ev.FromMe {
		log.Debug("inbound rejected", "reason", ReasonFromMe)
		return Result{Status: StatusRejected, Reason: ReasonFromMe}, nil
	}
	if ev.Phone == "" {
		log.Info("inbound rejected", "reason", ReasonNoPhone)
		return Result{Status: StatusRejected, Reason: ReasonNoPhone}, nil
	}

	dev, err := s.devices.FindByInstance(ctx, ev.InstanceID)
	if err != nil {
		if errors.Is(err, ErrUnknownDevice) {
			log.Warn("inbound rejected", "reason", ReasonUnknownInstance)
			return Result{Status: StatusRejected, Reason: ReasonUnknownInstance}, nil
		}
		return Result{}, fmt.Errorf("resolve device: %w", err)
	}

	now := s.clock().UTC()
	msg := messages.Message{
		ID:               uuid.NewString(),
		OrgID:            dev.OrgID,
		DeviceID:         dev.ID,
		Direction:        messages.DirectionInbound,
		InstanceID:       ev.InstanceID,
		Phone:            ev.Phone,
		Content:          ev.Text,
		MessageType:      ev.MessageType,
		GatewayMessageID: ev.GatewayMessageID,
		BillingStatus:    messages.BillingPending,
		RawPayload:       ev.RawPayload,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	stored, created, err := s.messages.InsertInbound(ctx, msg)
	if err != nil {
		return Result{}, fmt.Errorf("store inbound message: %w", err)
	}
	if !created {
		log.Info("duplicate inbound event", "message_id", stored.ID, "org_id", stored.OrgID)
		return Result{Status: StatusDuplicate, Message: stored, Device: dev}, nil
	}
	return Result{Status: StatusAccepted, Message: stored, Device: dev}, nil
}

// ApplyConnection records a device connection change. Unknown instances are
// ignored and reported as false.
func (s *Service) ApplyConnection(ctx context.Context, u gateway.ConnectionUpdate) (bool, error) {
	if u.InstanceID == "" {
		return false, ErrInvalidEvent
	}
	dev, err := s.devices.FindByInstance(ctx, u.InstanceID)
	if err != nil {
		if errors.Is(err, ErrUnknownDevice) {
			return false, nil
		}
		return false, err
	}
	if err := s.devices.UpdateStatus(ctx, dev.ID, u.State, s.clock().UTC()); err != nil {
		return false, err
	}
	logger.From(ctx).Info("device connection changed",
		"device_id", dev.ID, "org_id", dev.OrgID, "state", u.State, "raw_state", u.RawState)
	return true, nil
}

// Device resolves the device behind a gateway instance.
func (s *Service) Device(ctx context.Context, instanceID string) (Device, error) {
	if instanceID == "" {
		return Device{}, ErrInvalidEvent
	}
	return s.devices.FindByInstance(ctx, instanceID)
}
