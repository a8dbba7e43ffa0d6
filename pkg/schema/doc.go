// Package schema provides the structural validation used by the role protocol.
//
// Every role reply is decoded from JSON into a map and checked against a Schema
// before it is accepted. A Schema maps field names to a Type:
//
//	critic := schema.Schema{
//	    "critique":   schema.Text(),
//	    "approved":   schema.Bool(),
//	    "feedback":   schema.String(),
//	    "confidence": schema.Range(0, 1),
//	}
//
//	if err := schema.Validate(critic, reply); err != nil {
//	    // reject the reply as a protocol violation
//	}
//
// Schemas can also be parsed from type strings, which is how tools.yaml declares
// the inputs of registered process tools:
//
//	s, err := schema.ParseTypeMap(map[string]string{
//	    "path":  "text",
//	    "lines": "int?",
//	    "tags":  "[string]",
//	})
//
// The package depends only on the standard library.
package schema
