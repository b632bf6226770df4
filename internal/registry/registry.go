// Package registry resolves client-visible bucket names to their backend
// configuration and ordered replica list. Built once at boot from the
// validated config; read-only afterwards.
package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/FairForge/herald/internal/auth"
	"github.com/FairForge/herald/internal/config"
)

// BackendType tags the protocol variant of a bucket or replica config.
type BackendType int

const (
	BackendS3 BackendType = iota
	BackendSwift
)

func (t BackendType) String() string {
	if t == BackendSwift {
		return "swift"
	}
	return "s3"
}

// Replica is a named secondary backend that mirrors a bucket's mutations.
// Exactly one of S3/Swift is set, selected by Type.
type Replica struct {
	Name  string
	Type  BackendType
	S3    *config.S3Config
	Swift *config.SwiftConfig
}

// Bucket binds a client-visible bucket name to its primary backend and
// replicas. Exactly one of S3/Swift is set, selected by Type. IsReplica
// marks the record used during failover re-entry; such a record never fans
// out further.
type Bucket struct {
	Name      string
	Type      BackendType
	S3        *config.S3Config
	Swift     *config.SwiftConfig
	Replicas  []Replica
	IsReplica bool
}

// HasReplicas reports whether mutations on this bucket are mirrored.
func (b *Bucket) HasReplicas() bool {
	return len(b.Replicas) > 0
}

// ForReplica derives the bucket record used when a request is re-dispatched
// against one of b's replicas.
func (b *Bucket) ForReplica(r Replica) *Bucket {
	return &Bucket{
		Name:      b.Name,
		Type:      r.Type,
		S3:        r.S3,
		Swift:     r.Swift,
		IsReplica: true,
	}
}

// Credentials returns the access key pair clients sign with for this
// bucket. Swift buckets authenticate clients with username/password as the
// key pair.
func (b *Bucket) Credentials() auth.Credentials {
	if b.Type == BackendSwift {
		return auth.Credentials{AccessKeyID: b.Swift.Username, SecretAccessKey: b.Swift.Password}
	}
	return auth.Credentials{AccessKeyID: b.S3.AccessKeyID, SecretAccessKey: b.S3.SecretAccessKey}
}

// Registry is the O(1) bucket lookup table.
type Registry struct {
	buckets map[string]*Bucket
	builtAt time.Time
}

// Build coerces every declared bucket into its protocol-specific config
// according to the referenced backend. Config validation has already
// guaranteed the backend references resolve.
func Build(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		buckets: make(map[string]*Bucket, len(cfg.Buckets)),
		builtAt: time.Now().UTC(),
	}

	for name, def := range cfg.Buckets {
		backend, ok := cfg.Backends[def.Backend]
		if !ok {
			return nil, fmt.Errorf("registry: bucket %q references unknown backend %q", name, def.Backend)
		}

		b := &Bucket{Name: name}
		switch backend.Protocol {
		case config.ProtocolS3:
			b.Type = BackendS3
			b.S3 = &config.S3Config{
				Endpoint:        def.Endpoint,
				Region:          def.Region,
				AccessKeyID:     def.AccessKeyID,
				SecretAccessKey: def.SecretAccessKey,
				ForcePathStyle:  def.ForcePathStyle,
				Bucket:          def.Bucket,
			}
		case config.ProtocolSwift:
			b.Type = BackendSwift
			b.Swift = &config.SwiftConfig{
				AuthURL:           def.AuthURL,
				Region:            def.Region,
				Container:         def.Container,
				Username:          def.Username,
				Password:          def.Password,
				ProjectName:       def.ProjectName,
				UserDomainName:    def.UserDomainName,
				ProjectDomainName: def.ProjectDomainName,
			}
		default:
			return nil, fmt.Errorf("registry: backend %q: unknown protocol %q", def.Backend, backend.Protocol)
		}

		for _, rd := range def.Replicas {
			rep, err := buildReplica(cfg, name, rd)
			if err != nil {
				return nil, err
			}
			b.Replicas = append(b.Replicas, rep)
		}

		r.buckets[name] = b
	}

	return r, nil
}

func buildReplica(cfg *config.Config, bucket string, rd config.ReplicaDef) (Replica, error) {
	backend, ok := cfg.Backends[rd.Backend]
	if !ok {
		return Replica{}, fmt.Errorf("registry: bucket %q replica %q references unknown backend %q", bucket, rd.Name, rd.Backend)
	}

	rep := Replica{Name: rd.Name}
	switch backend.Protocol {
	case config.ProtocolS3:
		rep.Type = BackendS3
		rep.S3 = &config.S3Config{
			Endpoint:        rd.Endpoint,
			Region:          rd.Region,
			AccessKeyID:     rd.AccessKeyID,
			SecretAccessKey: rd.SecretAccessKey,
			ForcePathStyle:  rd.ForcePathStyle,
			Bucket:          rd.Bucket,
		}
	case config.ProtocolSwift:
		rep.Type = BackendSwift
		rep.Swift = &config.SwiftConfig{
			AuthURL:           rd.AuthURL,
			Region:            rd.Region,
			Container:         rd.Container,
			Username:          rd.Username,
			Password:          rd.Password,
			ProjectName:       rd.ProjectName,
			UserDomainName:    rd.UserDomainName,
			ProjectDomainName: rd.ProjectDomainName,
		}
	default:
		return Replica{}, fmt.Errorf("registry: backend %q: unknown protocol %q", rd.Backend, backend.Protocol)
	}
	return rep, nil
}

// Lookup returns the bucket record for name.
func (r *Registry) Lookup(name string) (*Bucket, bool) {
	b, ok := r.buckets[name]
	return b, ok
}

// Names returns all bucket names that serve as client entry points
// (replica-only records are still listed; they are ordinary buckets that
// additionally receive mirrored traffic).
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.buckets))
	for name := range r.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuiltAt is the registry construction time, used as the synthetic bucket
// creation date in ListBuckets responses.
func (r *Registry) BuiltAt() time.Time {
	return r.builtAt
}

// AllCredentials collects every distinct credential pair clients may sign
// with; used to authenticate account-level operations (ListBuckets).
func (r *Registry) AllCredentials() []auth.Credentials {
	seen := make(map[string]bool)
	var creds []auth.Credentials
	for _, name := range r.Names() {
		c := r.buckets[name].Credentials()
		if seen[c.AccessKeyID] {
			continue
		}
		seen[c.AccessKeyID] = true
		creds = append(creds, c)
	}
	return creds
}
