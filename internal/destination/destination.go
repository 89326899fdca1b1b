// Package destination holds the set of InfluxDB endpoints points are fanned out to.
package destination

import (
	"cmp"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SourceKey is the top-level key of the descriptor source holding the destination list
const SourceKey = "influxdb"

// Descriptor describes one InfluxDB write endpoint
type Descriptor struct {
	Name     string        `mapstructure:"name" json:"name"`
	Host     string        `mapstructure:"host" json:"host"`
	Port     int           `mapstructure:"port" json:"port"`
	User     string        `mapstructure:"user" json:"user"`
	Password string        `mapstructure:"password" json:"-"`
	Database string        `mapstructure:"dbname" json:"dbname"`
	SSL      bool          `mapstructure:"ssl" json:"ssl"`
	Timeout  time.Duration `mapstructure:"timeout" json:"timeout,omitempty"` // 0 means the configured default
}

// Validation errors
var (
	ErrNoDestinations = errors.New("no destinations configured")
	ErrDuplicateName  = errors.New("duplicate destination name")
)

// Validate checks that every connection attribute is present
func (d Descriptor) Validate() error {
	missing := func(attr string) error {
		return fmt.Errorf("destination %q: %s is required", d.Name, attr)
	}

	switch {
	case d.Name == "":
		return fmt.Errorf("destination with host %q: name is required", d.Host)
	case d.Host == "":
		return missing("host")
	case d.Port <= 0 || d.Port > 65535:
		return fmt.Errorf("destination %q: invalid port %d", d.Name, d.Port)
	case d.User == "":
		return missing("user")
	case d.Password == "":
		return missing("password")
	case d.Database == "":
		return missing("dbname")
	case d.Timeout < 0:
		return fmt.Errorf("destination %q: negative timeout", d.Name)
	}
	return nil
}

// BaseURL returns the scheme, host and port of the destination
func (d Descriptor) BaseURL() string {
	scheme := "http"
	if d.SSL {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// compare orders descriptors by all of their attribute values
func compare(a, b Descriptor) int {
	return cmp.Or(
		cmp.Compare(a.Name, b.Name),
		cmp.Compare(a.Host, b.Host),
		cmp.Compare(a.Port, b.Port),
		cmp.Compare(a.User, b.User),
		cmp.Compare(a.Password, b.Password),
		cmp.Compare(a.Database, b.Database),
	)
}

// Load parses the descriptor source at path. The format follows the file
// extension (YAML when the extension is unknown to viper).
func Load(path string) ([]Descriptor, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if !slices.Contains(viper.SupportedExts, strings.TrimPrefix(filepath.Ext(path), ".")) {
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read destinations: %w", err)
	}
	if !v.IsSet(SourceKey) {
		return nil, fmt.Errorf("key %q not found", SourceKey)
	}

	var descriptors []Descriptor
	if err := v.UnmarshalKey(SourceKey, &descriptors); err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", SourceKey, err)
	}

	if err := validateSet(descriptors); err != nil {
		return nil, err
	}

	slices.SortFunc(descriptors, compare)
	return descriptors, nil
}

func validateSet(descriptors []Descriptor) error {
	if len(descriptors) == 0 {
		return ErrNoDestinations
	}

	seen := make(map[string]struct{}, len(descriptors))
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateName, d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

// Names returns the display names of the descriptors in order
func Names(descriptors []Descriptor) []string {
	names := make([]string, len(descriptors))
	for i, d := range descriptors {
		names[i] = d.Name
	}
	return names
}
