package openapi

import "github.com/getkin/kin-openapi/openapi3"

// TypeMapping is an OpenAPI type/format pair.
type TypeMapping struct {
	Type   string // OpenAPI type: string, integer, number, boolean, object, array
	Format string // OpenAPI format: int32, int64, double, date-time, uuid, etc.
}

var (
	typeString   = TypeMapping{"string", ""}
	typeUUID     = TypeMapping{"string", "uuid"}
	typeDateTime = TypeMapping{"string", "date-time"}
	typeInt      = TypeMapping{"integer", "int32"}
	typeNumber   = TypeMapping{"number", "double"}
	typeBool     = TypeMapping{"boolean", ""}
)

// property describes one field of a component schema.
type property struct {
	name        string
	typ         TypeMapping
	ref         string // component name; overrides typ
	required    bool
	nullable    bool
	description string
}

func scalarSchema(m TypeMapping) *openapi3.Schema {
	s := &openapi3.Schema{
		Type: &openapi3.Types{m.Type},
	}
	if m.Format != "" {
		s.Format = m.Format
	}
	return s
}

// objectSchema builds an object schema from its properties, keeping the
// required list in declaration order.
func objectSchema(description string, props ...property) *openapi3.SchemaRef {
	s := &openapi3.Schema{
		Type:        &openapi3.Types{"object"},
		Description: description,
		Properties:  openapi3.Schemas{},
	}
	for _, p := range props {
		var ref *openapi3.SchemaRef
		if p.ref != "" {
			ref = componentRef(p.ref)
		} else {
			v := scalarSchema(p.typ)
			v.Description = p.description
			if p.nullable {
				*v.Type = append(*v.Type, "null")
			}
			ref = &openapi3.SchemaRef{Value: v}
		}
		s.Properties[p.name] = ref
		if p.required {
			s.Required = append(s.Required, p.name)
		}
	}
	return &openapi3.SchemaRef{Value: s}
}

func arraySchema(itemComponent string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: componentRef(itemComponent),
		},
	}
}

func componentRef(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}
