package bridges

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/sensorhub/internal/bridges/livox"
	"github.com/nerrad567/sensorhub/internal/bridges/ndjson"
	"github.com/nerrad567/sensorhub/internal/bridges/serialline"
	"github.com/nerrad567/sensorhub/internal/bridges/simulated"
	"github.com/nerrad567/sensorhub/internal/infrastructure/config"
	"github.com/nerrad567/sensorhub/internal/sensor"
)

// Adapter kinds.
const (
	KindSimulated = "simulated"
	KindGPS       = "gps"
	KindIMU       = "imu"
	KindLivox     = "livox"
)

// ErrUnknownKind is returned for a sensor kind no adapter implements.
var ErrUnknownKind = errors.New("bridges: unknown sensor kind")

// Kinds lists the supported adapter kinds.
func Kinds() []string {
	return []string{KindSimulated, KindGPS, KindIMU, KindLivox}
}

// Deps carries shared services into built adapters. All fields are optional.
type Deps struct {
	Logger sensor.Logger

	// IngestMetrics returns the counters for one named UDP listener.
	IngestMetrics func(listener string) ndjson.Metrics
}

// Built is an adapter ready for Manager.Register.
type Built struct {
	Adapter  sensor.Adapter
	Capacity int
	Options  []sensor.Option
}

// livoxParams adds registration settings to the adapter's own config.
type livoxParams struct {
	livox.Config  `yaml:",inline"`
	ChildCapacity int `yaml:"child_capacity"`
}

// Build constructs the adapter described by cfg.
func Build(cfg config.SensorConfig, deps Deps) (*Built, error) {
	opts := []sensor.Option{sensor.WithKind(cfg.Kind)}
	if cfg.Description != "" {
		opts = append(opts, sensor.WithDescription(cfg.Description))
	}
	built := &Built{Capacity: cfg.BufferCapacity(), Options: opts}

	switch cfg.Kind {
	case KindSimulated:
		var p simulated.Config
		if err := decodeParams(&cfg.Params, &p); err != nil {
			return nil, paramsError(cfg, err)
		}
		p.SensorID = cfg.ID
		built.Adapter = simulated.New(p)

	case KindGPS, KindIMU:
		p := serialline.GPS()
		if cfg.Kind == KindIMU {
			p = serialline.IMU()
		}
		if err := decodeParams(&cfg.Params, &p); err != nil {
			return nil, paramsError(cfg, err)
		}
		p.SensorID = cfg.ID
		a, err := serialline.New(p)
		if err != nil {
			return nil, paramsError(cfg, err)
		}
		if deps.Logger != nil {
			a.SetLogger(deps.Logger)
		}
		built.Adapter = a

	case KindLivox:
		var p livoxParams
		if err := decodeParams(&cfg.Params, &p); err != nil {
			return nil, paramsError(cfg, err)
		}
		if p.ChildCapacity < 0 {
			return nil, paramsError(cfg, errors.New("child_capacity must not be negative"))
		}
		p.Config.SensorID = cfg.ID
		a, err := livox.New(p.Config)
		if err != nil {
			return nil, paramsError(cfg, err)
		}
		if deps.Logger != nil {
			a.SetLogger(deps.Logger)
		}
		if deps.IngestMetrics != nil {
			a.SetMetrics(deps.IngestMetrics(cfg.ID))
		}
		if p.ChildCapacity > 0 {
			built.Options = append(built.Options, sensor.WithChildCapacity(p.ChildCapacity))
		}
		built.Adapter = a

	default:
		return nil, fmt.Errorf("%w: sensors[%s].kind %q", ErrUnknownKind, cfg.ID, cfg.Kind)
	}
	return built, nil
}

// Validate checks that cfg would build. Livox device configs are loaded
// and validated; serial devices are not opened.
func Validate(cfg config.SensorConfig) error {
	_, err := Build(cfg, Deps{})
	return err
}

// decodeParams decodes a params node into v, rejecting unknown keys.
func decodeParams(node *yaml.Node, v any) error {
	if node == nil || node.Kind == 0 {
		return nil
	}
	data, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func paramsError(cfg config.SensorConfig, err error) error {
	return fmt.Errorf("sensor %s (%s): %w", cfg.ID, cfg.Kind, err)
}
