package tools

// Schema is a JSON Schema object. It describes the capture_charts input to
// MCP clients and the REST bodies in the OpenAPI document.
type Schema struct {
	Type        string              `json:"type"`
	Description string              `json:"description,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Required    []string            `json:"required,omitempty"`
}

// Property defines a single property in a JSON Schema.
type Property struct {
	Type        string              `json:"type"`
	Description string              `json:"description,omitempty"`
	Format      string              `json:"format,omitempty"`
	Enum        []string            `json:"enum,omitempty"`
	Items       *Property           `json:"items,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
	MinItems    int                 `json:"minItems,omitempty"`
	Minimum     *float64            `json:"minimum,omitempty"`
	Maximum     *float64            `json:"maximum,omitempty"`
}

// ObjectSchema creates a schema for an object type with the given properties.
func ObjectSchema(props map[string]Property, required ...string) Schema {
	return Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// ObjectProperty creates a nested object property.
func ObjectProperty(desc string, props map[string]Property) Property {
	return Property{
		Type:        "object",
		Description: desc,
		Properties:  props,
	}
}

// StringProperty creates a string property with optional constraints.
func StringProperty(desc string) Property {
	return Property{
		Type:        "string",
		Description: desc,
	}
}

// StringEnumProperty creates a string property constrained to specific values.
func StringEnumProperty(desc string, values ...string) Property {
	return Property{
		Type:        "string",
		Description: desc,
		Enum:        values,
	}
}

// BoolProperty creates a boolean property.
func BoolProperty(desc string) Property {
	return Property{
		Type:        "boolean",
		Description: desc,
	}
}

// ArrayProperty creates an array property with the given item type.
func ArrayProperty(desc string, items Property) Property {
	return Property{
		Type:        "array",
		Description: desc,
		Items:       &items,
	}
}

// IntRangeProperty creates an integer property bounded by lo and hi.
func IntRangeProperty(desc string, lo, hi int) Property {
	lower, upper := float64(lo), float64(hi)
	return Property{
		Type:        "integer",
		Description: desc,
		Minimum:     &lower,
		Maximum:     &upper,
	}
}

// CaptureInputSchema describes the capture_charts arguments and the REST
// capture body. Codes are restricted to the configured timeframes.
func (s *Service) CaptureInputSchema() Schema {
	return ObjectSchema(map[string]Property{
		"timeframes": ArrayProperty(
			"Timeframe codes to capture, in order. All configured timeframes are captured when omitted.",
			StringEnumProperty("Timeframe code", s.Available()...),
		),
	})
}

// ReportSchema describes Report as returned by the REST API.
func ReportSchema() Schema {
	chart := ObjectProperty("A captured chart", map[string]Property{
		"timeframe": StringProperty("Timeframe code"),
		"label":     StringProperty("Timeframe label"),
		"image_url": {Type: "string", Format: "uri", Description: "Screenshot URL"},
		"degraded":  BoolProperty("Captured without confirming the chart was ready"),
	})
	failure := ObjectProperty("A timeframe that could not be captured", map[string]Property{
		"timeframe": StringProperty("Timeframe code"),
		"label":     StringProperty("Timeframe label"),
		"error":     StringProperty("Failure reason"),
	})
	return ObjectSchema(map[string]Property{
		"run_id":       StringProperty("Capture run identifier"),
		"symbol":       StringProperty("Chart symbol"),
		"studies":      ArrayProperty("Applied studies", StringProperty("Study description")),
		"charts":       ArrayProperty("Captured charts in request order", chart),
		"failures":     ArrayProperty("Failed timeframes in request order", failure),
		"_instruction": StringProperty("How to display the charts"),
	}, "symbol", "charts")
}
