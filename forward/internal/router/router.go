// Package router assigns notification events to destination keys according to
// the configured data model.
package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
)

// DataModel selects the destination granularity.
type DataModel int

const (
	DataModelUnknown DataModel = iota
	DataModelByService
	DataModelByServicePath
	DataModelByEntity
	DataModelByAttribute
)

var dataModelNames = map[DataModel]string{
	DataModelByService:     "dm-by-service",
	DataModelByServicePath: "dm-by-service-path",
	DataModelByEntity:      "dm-by-entity",
	DataModelByAttribute:   "dm-by-attribute",
}

// ErrUnknownDataModel is returned when routing with a data model outside the
// four supported ones.
var ErrUnknownDataModel = errors.New("unknown data model")

func (m DataModel) String() string {
	if name, ok := dataModelNames[m]; ok {
		return name
	}
	return fmt.Sprintf("DataModel(%d)", int(m))
}

// ParseDataModel accepts "dm-by-entity", "by-entity", "DMBYENTITY" and the like.
func ParseDataModel(s string) (DataModel, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	norm = strings.TrimPrefix(norm, "dm")
	switch norm {
	case "byservice":
		return DataModelByService, nil
	case "byservicepath":
		return DataModelByServicePath, nil
	case "byentity":
		return DataModelByEntity, nil
	case "byattribute":
		return DataModelByAttribute, nil
	default:
		return DataModelUnknown, fmt.Errorf("%w: %q", ErrUnknownDataModel, s)
	}
}

// Flags are the routing switches read from configuration.
type Flags struct {
	EnableGrouping     bool
	EnableNameMappings bool
}

// Destination is one (key, event) pair to insert into a batch.
type Destination struct {
	Key   string
	Event *models.Event
}

// Router maps events to destinations. It holds no mutable state.
type Router struct {
	model DataModel
	flags Flags
}

// New creates a router for the given data model and flags.
func New(model DataModel, flags Flags) *Router {
	return &Router{model: model, flags: flags}
}

// Model returns the data model the router was built with.
func (r *Router) Model() DataModel {
	return r.model
}

// Route returns the destinations for ev. For by-attribute the event is fanned
// out into one independent copy per attribute, each carrying elements filtered
// to that attribute; ev itself is never returned in that case.
//
// When the event has no mapped element the grouping flag alone picks between
// raw and grouped headers. When a mapped element is present the name-mappings
// flag alone picks between mapped and raw headers and grouping is ignored.
func (r *Router) Route(ev *models.Event) ([]Destination, error) {
	switch r.model {
	case DataModelByService:
		return []Destination{{Key: r.serviceKey(ev), Event: ev}}, nil
	case DataModelByServicePath:
		return []Destination{{Key: r.servicePathKey(ev), Event: ev}}, nil
	case DataModelByEntity:
		return []Destination{{Key: r.entityKey(ev), Event: ev}}, nil
	case DataModelByAttribute:
		return r.fanOut(ev), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataModel, r.model)
	}
}

func (r *Router) serviceKey(ev *models.Event) string {
	if ev.MappedCE != nil && r.flags.EnableNameMappings {
		return ev.Header(models.HeaderMappedService)
	}
	return ev.Header(models.HeaderFiwareService)
}

func (r *Router) servicePathKey(ev *models.Event) string {
	if ev.MappedCE == nil {
		if r.flags.EnableGrouping {
			return ev.Header(models.HeaderFiwareService) + "_" + ev.Header(models.HeaderGroupedServicePath)
		}
		return ev.Header(models.HeaderFiwareService) + "_" + ev.Header(models.HeaderFiwareServicePath)
	}
	if r.flags.EnableNameMappings {
		return ev.Header(models.HeaderMappedService) + "_" + ev.Header(models.HeaderMappedServicePath)
	}
	return ev.Header(models.HeaderFiwareService) + "_" + ev.Header(models.HeaderFiwareServicePath)
}

func (r *Router) entityKey(ev *models.Event) string {
	if ev.MappedCE == nil {
		if r.flags.EnableGrouping {
			return ev.Header(models.HeaderFiwareService) + "_" + ev.Header(models.HeaderGroupedServicePath) +
				"_" + ev.Header(models.HeaderGroupedEntity)
		}
		return ev.Header(models.HeaderFiwareService) + "_" + ev.Header(models.HeaderFiwareServicePath) +
			"_" + ev.Header(models.HeaderNotifiedEntity)
	}
	if r.flags.EnableNameMappings {
		return ev.Header(models.HeaderMappedService) + "_" + ev.Header(models.HeaderMappedServicePath) +
			"_" + ev.MappedCE.ID + "_" + ev.MappedCE.Type
	}
	return ev.Header(models.HeaderFiwareService) + "_" + ev.Header(models.HeaderFiwareServicePath) +
		"_" + ev.OriginalCE.ID + "_" + ev.OriginalCE.Type
}

func (r *Router) fanOut(ev *models.Event) []Destination {
	base := r.entityKey(ev)

	// Attribute names come from the element the key was built from.
	names := ev.OriginalCE.AttributeNames()
	if ev.MappedCE != nil && r.flags.EnableNameMappings {
		names = ev.MappedCE.AttributeNames()
	}

	dests := make([]Destination, 0, len(names))
	for _, name := range names {
		var mapped *models.ContextElement
		if ev.MappedCE != nil {
			mapped = ev.MappedCE.Filter(name)
		}
		dests = append(dests, Destination{
			Key:   base + "_" + name,
			Event: ev.WithElements(ev.OriginalCE.Filter(name), mapped),
		})
	}
	return dests
}
