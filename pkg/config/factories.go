package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/patchpanel/remotefs/pkg/backend"
	"github.com/patchpanel/remotefs/pkg/backend/local"
	"github.com/patchpanel/remotefs/pkg/backend/memory"
	"github.com/patchpanel/remotefs/pkg/backend/rclone"
	"github.com/patchpanel/remotefs/pkg/backend/s3"
	"github.com/patchpanel/remotefs/pkg/backend/sftp"
	"github.com/patchpanel/remotefs/pkg/backend/smb"
	"github.com/patchpanel/remotefs/pkg/backend/webdav"
	"github.com/patchpanel/remotefs/pkg/jobs"
	"github.com/patchpanel/remotefs/pkg/registry"
)

// CreateDialer builds the backend dialer for one configured location.
//
// Parameters:
//   - loc: validated location configuration
//
// Returns:
//   - backend.Dialer: the dialer for the location's backend type
//   - error: unknown type or undecodable options
func CreateDialer(loc *LocationConfig) (backend.Dialer, error) {
	switch backend.Type(loc.Type) {
	case backend.TypeSFTP:
		var cfg sftp.Config
		if err := decodeOptions(loc.Options, &cfg); err != nil {
			return nil, fmt.Errorf("sftp options: %w", err)
		}
		return sftp.Dialer{Config: cfg}, nil

	case backend.TypeSMB:
		var cfg smb.Config
		if err := decodeOptions(loc.Options, &cfg); err != nil {
			return nil, fmt.Errorf("smb options: %w", err)
		}
		return smb.Dialer{Config: cfg}, nil

	case backend.TypeWebDAV:
		var cfg webdav.Config
		if err := decodeOptions(loc.Options, &cfg); err != nil {
			return nil, fmt.Errorf("webdav options: %w", err)
		}
		return webdav.Dialer{Config: cfg}, nil

	case backend.TypeRclone:
		var cfg rclone.Config
		if err := decodeOptions(loc.Options, &cfg); err != nil {
			return nil, fmt.Errorf("rclone options: %w", err)
		}
		return rclone.Dialer{Config: cfg}, nil

	case backend.TypeS3:
		var cfg s3.Config
		if err := decodeOptions(loc.Options, &cfg); err != nil {
			return nil, fmt.Errorf("s3 options: %w", err)
		}
		return s3.Dialer{Config: cfg}, nil

	case backend.TypeLocal:
		var opts struct {
			Path string `mapstructure:"path"`
		}
		if err := decodeOptions(loc.Options, &opts); err != nil {
			return nil, fmt.Errorf("local options: %w", err)
		}
		return local.Dialer{Root: opts.Path}, nil

	case backend.TypeMemory:
		return memory.NewDialer(memory.New()), nil

	default:
		return nil, fmt.Errorf("unknown backend type %q", loc.Type)
	}
}

// decodeOptions decodes a raw option map into a typed backend config.
// Duration fields accept "30s"-style strings, and snake_case keys match
// their CamelCase fields (request_timeout binds RequestTimeout).
func decodeOptions(options map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		MatchName: func(mapKey, fieldName string) bool {
			return strings.EqualFold(strings.ReplaceAll(mapKey, "_", ""), fieldName)
		},
	})
	if err != nil {
		return err
	}
	return decoder.Decode(options)
}

// CreateJobStore builds the job store the configuration selects.
func CreateJobStore(cfg *Config) (jobs.Store, error) {
	switch cfg.Jobs.Type {
	case "memory":
		return jobs.NewMemoryStore(), nil
	case "badger":
		return jobs.NewBadgerStore(jobs.BadgerConfig{
			Path:     cfg.Jobs.Path,
			InMemory: cfg.Jobs.InMemory,
			TTL:      cfg.Jobs.TTL,
		})
	default:
		return nil, fmt.Errorf("unknown job store type %q", cfg.Jobs.Type)
	}
}

// BuildRegistry creates a location registry populated from the
// configuration. Every configured location gets a dialer; a bad location
// aborts the build rather than starting with a partial registry.
func BuildRegistry(cfg *Config) (*registry.Registry, error) {
	reg := registry.New()
	for i := range cfg.Locations {
		lc := &cfg.Locations[i]

		dialer, err := CreateDialer(lc)
		if err != nil {
			return nil, fmt.Errorf("location %q: %w", lc.ID, err)
		}

		loc := &registry.Location{
			ID:          lc.ID,
			Name:        lc.Name,
			BackendType: backend.Type(lc.Type),
			RootPath:    lc.Root,
		}
		if err := reg.AddLocation(loc, dialer); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
