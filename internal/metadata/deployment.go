package metadata

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Deployment is the content of one or more declarative permission files.
// Permissions reference their role by key.
type Deployment struct {
	Roles       []*Role                 `yaml:"roles" json:"roles"`
	Permissions []*PermissionDefinition `yaml:"permissions" json:"permissions"`
}

var deploymentSuffixes = []string{".permissions.yaml", ".permissions.yml", ".permissions.json"}

// IsDeploymentFile reports whether the file name is picked up by ReadDeploymentDir.
func IsDeploymentFile(name string) bool {
	for _, suffix := range deploymentSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// ParseDeployment decodes a single deployment document. JSON documents are
// accepted as YAML.
func ParseDeployment(r io.Reader) (*Deployment, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var d Deployment
	if err := dec.Decode(&d); err != nil {
		if errors.Is(err, io.EOF) {
			return &d, nil
		}
		return nil, err
	}
	return &d, nil
}

// ReadDeploymentDir reads every deployment file in dir, in name order, and
// merges them. A missing directory yields an empty deployment.
func ReadDeploymentDir(dir string) (*Deployment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Deployment{}, nil
		}
		return nil, fmt.Errorf("read deployment dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsDeploymentFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	merged := &Deployment{}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		d, err := ParseDeployment(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		merged.Roles = append(merged.Roles, d.Roles...)
		merged.Permissions = append(merged.Permissions, d.Permissions...)
	}
	return merged, nil
}

// Validate checks every definition and that each permission refers to a role
// declared in the deployment or already known to the registry (reg may be nil).
func (d *Deployment) Validate(reg *Registry) error {
	declared := make(map[string]bool, len(d.Roles))
	for i, role := range d.Roles {
		if err := Validate(role); err != nil {
			return fmt.Errorf("roles[%d]: %w", i, err)
		}
		declared[role.Key] = true
	}

	for i, p := range d.Permissions {
		if err := Validate(p); err != nil {
			return fmt.Errorf("permissions[%d]: %w", i, err)
		}
		if declared[p.RoleKey] {
			continue
		}
		if reg != nil && reg.GetRole(p.RoleKey) != nil {
			continue
		}
		return fmt.Errorf("permissions[%d]: unknown role %q", i, p.RoleKey)
	}
	return nil
}

// PermissionsByRole groups the deployment's permissions by role key. Every
// declared role is present, possibly with an empty set.
func (d *Deployment) PermissionsByRole() map[string][]*PermissionDefinition {
	grouped := make(map[string][]*PermissionDefinition, len(d.Roles))
	for _, role := range d.Roles {
		if _, ok := grouped[role.Key]; !ok {
			grouped[role.Key] = nil
		}
	}
	for _, p := range d.Permissions {
		grouped[p.RoleKey] = append(grouped[p.RoleKey], p)
	}
	return grouped
}
