// Package config holds Herald's typed configuration: the HTTP server
// settings, the declared backends, and the bucket table binding each
// client-visible bucket to a backend plus an ordered replica list.
package config

import (
	"fmt"
	"net"
	"time"
)

// Backend protocols.
const (
	ProtocolS3    = "s3"
	ProtocolSwift = "swift"
)

type Config struct {
	Server       ServerConfig          `yaml:"server"`
	TrustProxy   bool                  `yaml:"trust_proxy"`
	TrustedCIDRs []string              `yaml:"trusted_cidrs"`
	QueueDir     string                `yaml:"queue_dir"`
	SentryDSN    string                `yaml:"sentry_dsn"`
	Backends     map[string]BackendDef `yaml:"backends"`
	Buckets      map[string]BucketDef  `yaml:"buckets"`

	// trustedNets is the parsed form of TrustedCIDRs, populated by Validate.
	trustedNets []*net.IPNet
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	MetricsPort  int           `yaml:"metrics_port"`
	LogLevel     string        `yaml:"log_level"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BackendDef names a storage backend and the protocol it speaks.
type BackendDef struct {
	Protocol string `yaml:"protocol"`
}

// BucketDef is the raw YAML shape of a bucket entry. Protocol-specific
// fields are flattened; the registry coerces a BucketDef into either an
// S3Config or a SwiftConfig according to its backend's protocol.
type BucketDef struct {
	Backend string `yaml:"backend"`

	// S3 fields
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	Bucket          string `yaml:"bucket"`

	// Swift fields
	AuthURL           string `yaml:"auth_url"`
	Container         string `yaml:"container"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	ProjectName       string `yaml:"project_name"`
	UserDomainName    string `yaml:"user_domain_name"`
	ProjectDomainName string `yaml:"project_domain_name"`

	Replicas []ReplicaDef `yaml:"replicas"`
}

// ReplicaDef declares a named replica for a bucket. It carries the same
// flattened field set as BucketDef minus further replicas.
type ReplicaDef struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`

	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	Bucket          string `yaml:"bucket"`

	AuthURL           string `yaml:"auth_url"`
	Container         string `yaml:"container"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	ProjectName       string `yaml:"project_name"`
	UserDomainName    string `yaml:"user_domain_name"`
	ProjectDomainName string `yaml:"project_domain_name"`
}

// S3Config is the resolved configuration of an S3-protocol bucket. Several
// buckets may share an endpoint; each carries its own upstream bucket name.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	ForcePathStyle  bool   `json:"force_path_style"`
	Bucket          string `json:"bucket"`
}

// SwiftConfig is the resolved configuration of a Swift-protocol bucket.
type SwiftConfig struct {
	AuthURL           string `json:"auth_url"`
	Region            string `json:"region"`
	Container         string `json:"container"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	ProjectName       string `json:"project_name"`
	UserDomainName    string `json:"user_domain_name"`
	ProjectDomainName string `json:"project_domain_name"`
}

// Fingerprint identifies a Swift identity for token caching.
func (c *SwiftConfig) Fingerprint() string {
	return c.AuthURL + "|" + c.Region + "|" + c.ProjectName + "|" + c.Username
}

// Validate checks cross-field consistency and parses the CIDR allow-list.
// It is called once at load; the process aborts on error.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Minute
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 5 * time.Minute
	}
	if c.QueueDir == "" {
		c.QueueDir = "/var/lib/herald/queue"
	}

	for name, b := range c.Backends {
		switch b.Protocol {
		case ProtocolS3, ProtocolSwift:
		default:
			return fmt.Errorf("config: backend %q: unknown protocol %q", name, b.Protocol)
		}
	}

	for name, b := range c.Buckets {
		be, ok := c.Backends[b.Backend]
		if !ok {
			return fmt.Errorf("config: bucket %q references unknown backend %q", name, b.Backend)
		}
		if err := validateBucketFields(name, be.Protocol, b); err != nil {
			return err
		}

		seen := make(map[string]bool, len(b.Replicas))
		for _, r := range b.Replicas {
			if r.Name == "" {
				return fmt.Errorf("config: bucket %q: replica without a name", name)
			}
			if seen[r.Name] {
				return fmt.Errorf("config: bucket %q: duplicate replica name %q", name, r.Name)
			}
			seen[r.Name] = true

			rbe, ok := c.Backends[r.Backend]
			if !ok {
				return fmt.Errorf("config: bucket %q replica %q references unknown backend %q", name, r.Name, r.Backend)
			}
			if err := validateReplicaFields(name, r.Name, rbe.Protocol, r); err != nil {
				return err
			}
		}
	}

	c.trustedNets = c.trustedNets[:0]
	for _, cidr := range c.TrustedCIDRs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("config: invalid trusted CIDR %q: %w", cidr, err)
		}
		c.trustedNets = append(c.trustedNets, ipnet)
	}

	return nil
}

// TrustedNets returns the parsed CIDR allow-list. Valid after Validate.
func (c *Config) TrustedNets() []*net.IPNet {
	return c.trustedNets
}

func validateBucketFields(bucket, protocol string, b BucketDef) error {
	switch protocol {
	case ProtocolS3:
		if b.Endpoint == "" || b.AccessKeyID == "" || b.SecretAccessKey == "" || b.Bucket == "" {
			return fmt.Errorf("config: bucket %q: s3 backend requires endpoint, access_key_id, secret_access_key, bucket", bucket)
		}
	case ProtocolSwift:
		if b.AuthURL == "" || b.Container == "" || b.Username == "" || b.Password == "" {
			return fmt.Errorf("config: bucket %q: swift backend requires auth_url, container, username, password", bucket)
		}
	}
	return nil
}

func validateReplicaFields(bucket, replica, protocol string, r ReplicaDef) error {
	switch protocol {
	case ProtocolS3:
		if r.Endpoint == "" || r.AccessKeyID == "" || r.SecretAccessKey == "" || r.Bucket == "" {
			return fmt.Errorf("config: bucket %q replica %q: s3 backend requires endpoint, access_key_id, secret_access_key, bucket", bucket, replica)
		}
	case ProtocolSwift:
		if r.AuthURL == "" || r.Container == "" || r.Username == "" || r.Password == "" {
			return fmt.Errorf("config: bucket %q replica %q: swift backend requires auth_url, container, username, password", bucket, replica)
		}
	}
	return nil
}
