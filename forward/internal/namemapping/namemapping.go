// Package namemapping rewrites service, service path, entity and attribute
// names of notified events according to a YAML rule file.
//
// Rules are hierarchical: service mappings hold service path mappings, which
// hold entity mappings, which hold attribute mappings. Every original_* field
// is an anchored regular expression; an empty pattern matches anything. Every
// new_* field replaces the matched name; an empty value keeps the original.
package namemapping

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
)

// Mappings is the root of a rule file.
type Mappings struct {
	ServiceMappings []ServiceMapping `yaml:"service_mappings"`
}

// ServiceMapping renames a service and scopes service path rules.
type ServiceMapping struct {
	OriginalService     string               `yaml:"original_service"`
	NewService          string               `yaml:"new_service"`
	ServicePathMappings []ServicePathMapping `yaml:"service_path_mappings"`

	re *regexp.Regexp
}

// ServicePathMapping renames a service path and scopes entity rules.
type ServicePathMapping struct {
	OriginalServicePath string          `yaml:"original_service_path"`
	NewServicePath      string          `yaml:"new_service_path"`
	EntityMappings      []EntityMapping `yaml:"entity_mappings"`

	re *regexp.Regexp
}

// EntityMapping renames an entity id and type and scopes attribute rules.
type EntityMapping struct {
	OriginalEntityID   string             `yaml:"original_entity_id"`
	OriginalEntityType string             `yaml:"original_entity_type"`
	NewEntityID        string             `yaml:"new_entity_id"`
	NewEntityType      string             `yaml:"new_entity_type"`
	AttributeMappings  []AttributeMapping `yaml:"attribute_mappings"`

	idRe   *regexp.Regexp
	typeRe *regexp.Regexp
}

// AttributeMapping renames an attribute name and type.
type AttributeMapping struct {
	OriginalAttributeName string `yaml:"original_attribute_name"`
	OriginalAttributeType string `yaml:"original_attribute_type"`
	NewAttributeName      string `yaml:"new_attribute_name"`
	NewAttributeType      string `yaml:"new_attribute_type"`

	nameRe *regexp.Regexp
	typeRe *regexp.Regexp
}

// Load reads and compiles a rule file.
func Load(path string) (*Mappings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read name mappings: %w", err)
	}
	return Parse(data)
}

// Parse decodes and compiles rules from YAML.
func Parse(data []byte) (*Mappings, error) {
	var m Mappings
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse name mappings: %w", err)
	}
	if err := m.compile(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Mappings) compile() error {
	var err error
	for i := range m.ServiceMappings {
		sm := &m.ServiceMappings[i]
		if sm.re, err = anchored(sm.OriginalService); err != nil {
			return fmt.Errorf("service mapping %d: %w", i, err)
		}
		for j := range sm.ServicePathMappings {
			spm := &sm.ServicePathMappings[j]
			if spm.re, err = anchored(spm.OriginalServicePath); err != nil {
				return fmt.Errorf("service path mapping %d.%d: %w", i, j, err)
			}
			for k := range spm.EntityMappings {
				em := &spm.EntityMappings[k]
				if em.idRe, err = anchored(em.OriginalEntityID); err != nil {
					return fmt.Errorf("entity mapping %d.%d.%d: %w", i, j, k, err)
				}
				if em.typeRe, err = anchored(em.OriginalEntityType); err != nil {
					return fmt.Errorf("entity mapping %d.%d.%d: %w", i, j, k, err)
				}
				for l := range em.AttributeMappings {
					am := &em.AttributeMappings[l]
					if am.nameRe, err = anchored(am.OriginalAttributeName); err != nil {
						return fmt.Errorf("attribute mapping %d.%d.%d.%d: %w", i, j, k, l, err)
					}
					if am.typeRe, err = anchored(am.OriginalAttributeType); err != nil {
						return fmt.Errorf("attribute mapping %d.%d.%d.%d: %w", i, j, k, l, err)
					}
				}
			}
		}
	}
	return nil
}

func anchored(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = ".*"
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}

func rename(original, replacement string) string {
	if replacement == "" {
		return original
	}
	return replacement
}

// Apply sets the mapped element and mapped headers of ev. The mapped element
// is always produced, as a copy of the original when no rule matches, so the
// router can take the name-mapping branch. It reports whether a rule matched.
func (m *Mappings) Apply(ev *models.Event) bool {
	if ev == nil || ev.OriginalCE == nil {
		return false
	}

	service := ev.Header(models.HeaderFiwareService)
	servicePath := ev.Header(models.HeaderFiwareServicePath)
	mapped := ev.OriginalCE.Clone()
	matched := false

	mappedService, mappedServicePath := service, servicePath

	if sm := m.matchService(service); sm != nil {
		matched = true
		mappedService = rename(service, sm.NewService)

		if spm := sm.matchServicePath(servicePath); spm != nil {
			mappedServicePath = rename(servicePath, spm.NewServicePath)

			if em := spm.matchEntity(mapped.ID, mapped.Type); em != nil {
				mapped.ID = rename(mapped.ID, em.NewEntityID)
				mapped.Type = rename(mapped.Type, em.NewEntityType)

				for i := range mapped.Attributes {
					attr := &mapped.Attributes[i]
					if am := em.matchAttribute(attr.Name, attr.Type); am != nil {
						attr.Name = rename(attr.Name, am.NewAttributeName)
						attr.Type = rename(attr.Type, am.NewAttributeType)
					}
				}
			}
		}
	}

	if ev.Headers == nil {
		ev.Headers = make(map[string]string, 2)
	}
	ev.Headers[models.HeaderMappedService] = mappedService
	ev.Headers[models.HeaderMappedServicePath] = mappedServicePath
	ev.MappedCE = mapped
	return matched
}

func (m *Mappings) matchService(service string) *ServiceMapping {
	for i := range m.ServiceMappings {
		if m.ServiceMappings[i].re.MatchString(service) {
			return &m.ServiceMappings[i]
		}
	}
	return nil
}

func (sm *ServiceMapping) matchServicePath(servicePath string) *ServicePathMapping {
	for i := range sm.ServicePathMappings {
		if sm.ServicePathMappings[i].re.MatchString(servicePath) {
			return &sm.ServicePathMappings[i]
		}
	}
	return nil
}

func (spm *ServicePathMapping) matchEntity(id, typ string) *EntityMapping {
	for i := range spm.EntityMappings {
		em := &spm.EntityMappings[i]
		if em.idRe.MatchString(id) && em.typeRe.MatchString(typ) {
			return em
		}
	}
	return nil
}

func (em *EntityMapping) matchAttribute(name, typ string) *AttributeMapping {
	for i := range em.AttributeMappings {
		am := &em.AttributeMappings[i]
		if am.nameRe.MatchString(name) && am.typeRe.MatchString(typ) {
			return am
		}
	}
	return nil
}
