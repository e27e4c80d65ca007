// Package registry owns the camera objects: creation gated by the
// license plane, deletion with license revocation, and the device
// heartbeat reported to billing.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/billing"
	"github.com/technosupport/ts-edge/internal/data"
	"github.com/technosupport/ts-edge/internal/license"
	"github.com/technosupport/ts-edge/internal/pipeline"
)

var (
	ErrCameraExists         = errors.New("camera already registered")
	ErrCameraNotFound       = errors.New("camera not found")
	ErrLicenseLimitExceeded = errors.New("license limit exceeded")
	ErrLicenseIssueFailed   = errors.New("license issue failed")
)

// DefaultHeartbeatInterval applies until billing dictates its own.
const DefaultHeartbeatInterval = 60 * time.Second

// Camera is one registered stream and its processing pipeline.
type Camera struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	TenantID  string              `json:"tenant_id"`
	License   *license.Validation `json:"license"`
	CreatedAt time.Time           `json:"created_at"`

	Processor *pipeline.Processor `json:"-"`
}

type Config struct {
	DeviceID       string
	TenantID       string
	ManagementTier string
}

// Registry serialises all camera mutations on one mutex. The license
// calls run inside the critical section so concurrent creates cannot
// both pass the limit check.
type Registry struct {
	cfg       Config
	validator *license.Validator
	licenses  data.CameraLicenseModel
	devices   data.EdgeDeviceModel
	billing   billing.Service
	sink      pipeline.Sink
	usage     pipeline.Usage
	metrics   pipeline.Metrics
	log       zerolog.Logger

	mu      sync.Mutex
	cameras map[string]*Camera

	now func() time.Time
}

func New(
	cfg Config,
	v *license.Validator,
	licenses data.CameraLicenseModel,
	devices data.EdgeDeviceModel,
	svc billing.Service,
	sink pipeline.Sink,
	usage pipeline.Usage,
	m pipeline.Metrics,
	logger zerolog.Logger,
) *Registry {
	return &Registry{
		cfg:       cfg,
		validator: v,
		licenses:  licenses,
		devices:   devices,
		billing:   svc,
		sink:      sink,
		usage:     usage,
		metrics:   m,
		log:       logger,
		cameras:   make(map[string]*Camera),
		now:       time.Now,
	}
}

// CreateCamera registers a camera, issuing a trial license when the
// tenant has no standing one. Limit violations surface verbatim.
func (r *Registry) CreateCamera(ctx context.Context, id, name, tenantID string) (*Camera, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if name == "" {
		name = id
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cameras[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrCameraExists, id)
	}

	val, err := r.validator.ValidateCameraLicense(ctx, id, tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("validate license: %w", err)
	}

	if val.IsValid {
		if val.CamerasAllowed >= 0 && r.tenantCountLocked(tenantID) >= val.CamerasAllowed {
			// The validation above persisted a row for a camera that will
			// never exist; clean it up.
			if err := r.validator.RevokeCameraLicense(ctx, id); err != nil {
				r.log.Warn().Err(err).Str("camera_id", id).Msg("license cleanup failed")
			}
			return nil, fmt.Errorf("%w: tenant %s at %d cameras", ErrLicenseLimitExceeded, tenantID, val.CamerasAllowed)
		}
	} else {
		// No standing license: issue a trial if the tenant has headroom.
		trials, err := r.licenses.CountActiveTrial(ctx, tenantID)
		if err != nil && !errors.Is(err, data.ErrRecordNotFound) {
			return nil, fmt.Errorf("trial count: %w", err)
		}
		if trials >= r.validator.TrialCameraLimit() {
			return nil, fmt.Errorf("%w: trial limit %d", ErrLicenseLimitExceeded, r.validator.TrialCameraLimit())
		}
		val, err = r.validator.IssueTrialLicense(ctx, id, tenantID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLicenseIssueFailed, err)
		}
	}

	cam := &Camera{
		ID:        id,
		Name:      name,
		TenantID:  tenantID,
		License:   val,
		CreatedAt: r.now(),
		Processor: pipeline.NewProcessor(id, tenantID, r.sink, r.usage, r.metrics, r.log),
	}
	cam.Processor.Start()
	r.cameras[id] = cam
	r.reportCountLocked()

	r.log.Info().
		Str("camera_id", id).
		Str("tenant_id", tenantID).
		Str("license_mode", val.Mode).
		Msg("camera registered")

	r.sendHeartbeatLocked(ctx)
	return cam, nil
}

// DeleteCamera stops the pipeline, revokes the license and removes the
// registry entry.
func (r *Registry) DeleteCamera(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cam, ok := r.cameras[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	cam.Processor.Stop()

	if err := r.validator.RevokeCameraLicense(ctx, id); err != nil {
		return fmt.Errorf("delete camera %s: %w", id, err)
	}
	delete(r.cameras, id)
	r.reportCountLocked()

	r.log.Info().Str("camera_id", id).Msg("camera removed")
	r.sendHeartbeatLocked(ctx)
	return nil
}

// Get returns the camera or ErrCameraNotFound.
func (r *Registry) Get(id string) (*Camera, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cam, ok := r.cameras[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	return cam, nil
}

// List returns all cameras in id order.
func (r *Registry) List() []*Camera {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Camera, 0, len(r.cameras))
	for _, cam := range r.cameras {
		out = append(out, cam)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID < out[j-1].ID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ActiveCameraIDs returns the ids of all registered cameras.
func (r *Registry) ActiveCameraIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeIDsLocked()
}

func (r *Registry) activeIDsLocked() []string {
	ids := make([]string, 0, len(r.cameras))
	for id := range r.cameras {
		ids = append(ids, id)
	}
	return ids
}

// reportCountLocked feeds the active-camera gauge when the collector
// carries one.
func (r *Registry) reportCountLocked() {
	if g, ok := r.metrics.(interface{ SetActiveCameras(int) }); ok {
		g.SetActiveCameras(len(r.cameras))
	}
}

func (r *Registry) tenantCountLocked(tenantID string) int {
	n := 0
	for _, cam := range r.cameras {
		if cam.TenantID == tenantID {
			n++
		}
	}
	return n
}

// sendHeartbeatLocked reports the current camera set to billing and
// touches the device row. Best effort on both counts.
func (r *Registry) sendHeartbeatLocked(ctx context.Context) {
	_, err := r.billing.Heartbeat(ctx, billing.HeartbeatRequest{
		DeviceID:       r.cfg.DeviceID,
		TenantID:       r.cfg.TenantID,
		ActiveCameras:  r.activeIDsLocked(),
		ManagementTier: r.cfg.ManagementTier,
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("heartbeat failed")
	}
	if err := r.devices.TouchHeartbeat(ctx, r.cfg.DeviceID, r.now()); err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		r.log.Warn().Err(err).Msg("device heartbeat row update failed")
	}
}

// StartHeartbeat sends periodic heartbeats until ctx is cancelled,
// following the interval billing asks for.
func (r *Registry) StartHeartbeat(ctx context.Context) {
	go func() {
		interval := DefaultHeartbeatInterval
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			res, err := r.billing.Heartbeat(ctx, billing.HeartbeatRequest{
				DeviceID:       r.cfg.DeviceID,
				TenantID:       r.cfg.TenantID,
				ActiveCameras:  r.ActiveCameraIDs(),
				ManagementTier: r.cfg.ManagementTier,
			})
			if err != nil {
				r.log.Warn().Err(err).Msg("heartbeat failed")
			} else if res.NextHeartbeat > 0 {
				interval = time.Duration(res.NextHeartbeat) * time.Second
			}
			if err := r.devices.TouchHeartbeat(ctx, r.cfg.DeviceID, time.Now()); err != nil && !errors.Is(err, data.ErrRecordNotFound) {
				r.log.Warn().Err(err).Msg("device heartbeat row update failed")
			}
			timer.Reset(interval)
		}
	}()
}
