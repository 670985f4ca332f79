// Package yamlio implements the graph YAML document format (§6.1): a
// root sequence of node maps, parsed into a graphmodel.GraphModel and
// serialized back out with the default output-name omission round-trip
// invariant (§6.1, §8 "parse(serialize(parse(Y))) equiv parse(Y)"). It
// also implements the single-node YAML shape get_node_yaml/set_node_yaml
// exchange (§6.3), the same mapping with no outer sequence.
//
// It is grounded on nodecache/disk.go's existing use of gopkg.in/yaml.v3
// for cache sidecars, and on imgdag.Value's own yaml.Marshaler/
// yaml.Unmarshaler implementation, which this package reuses directly
// for parameters and output_parameters rather than re-deriving scalar/
// sequence/mapping decoding.
package yamlio

import (
	"bytes"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/graphmodel"
)

// defaultOutputName is the from_output_name elided from image_inputs on
// write (§6.1 "Default output name 'image' is omitted on write").
const defaultOutputName = "image"

type yamlImageInput struct {
	FromNodeID     int    `yaml:"from_node_id"`
	FromOutputName string `yaml:"from_output_name,omitempty"`
}

type yamlParameterInput struct {
	FromNodeID      int    `yaml:"from_node_id"`
	FromOutputName  string `yaml:"from_output_name"`
	ToParameterName string `yaml:"to_parameter_name"`
}

type yamlOutput struct {
	OutputID         int                     `yaml:"output_id"`
	OutputType       string                  `yaml:"output_type"`
	OutputParameters map[string]imgdag.Value `yaml:"output_parameters,omitempty"`
}

type yamlCache struct {
	CacheType string `yaml:"cache_type"`
	Location  string `yaml:"location"`
}

type yamlNode struct {
	ID        int    `yaml:"id"`
	Name      string `yaml:"name,omitempty"`
	Type      string `yaml:"type,omitempty"`
	Subtype   string `yaml:"subtype,omitempty"`
	Preserved bool   `yaml:"preserved,omitempty"`

	ImageInputs     []yamlImageInput        `yaml:"image_inputs,omitempty"`
	ParameterInputs []yamlParameterInput    `yaml:"parameter_inputs,omitempty"`
	Parameters      map[string]imgdag.Value `yaml:"parameters,omitempty"`
	Outputs         []yamlOutput            `yaml:"outputs,omitempty"`
	Caches          []yamlCache             `yaml:"caches,omitempty"`
}

// nodeToModel converts one decoded yamlNode into a graphmodel.Node,
// shared by Parse (document) and DecodeNode (single node).
func nodeToModel(yn yamlNode) (*graphmodel.Node, error) {
	node := graphmodel.NewNode(yn.ID, yn.Name, yn.Type, yn.Subtype)
	node.Preserved = yn.Preserved

	for _, e := range yn.ImageInputs {
		outName := e.FromOutputName
		if outName == "" {
			outName = defaultOutputName
		}
		node.ImageInputs = append(node.ImageInputs, graphmodel.ImageInputEdge{
			FromNodeID:     e.FromNodeID,
			FromOutputName: outName,
		})
	}
	for _, e := range yn.ParameterInputs {
		if e.FromOutputName == "" || e.ToParameterName == "" {
			return nil, imgdag.NewNodeError(imgdag.InvalidYAML, yn.ID, yn.Name, errEmptyParameterInputName())
		}
		node.ParameterInputs = append(node.ParameterInputs, graphmodel.ParameterInputEdge{
			FromNodeID:      e.FromNodeID,
			FromOutputName:  e.FromOutputName,
			ToParameterName: e.ToParameterName,
		})
	}
	if yn.Parameters != nil {
		node.StaticParameters = yn.Parameters
	}
	for _, o := range yn.Outputs {
		node.OutputPorts = append(node.OutputPorts, graphmodel.OutputPort{
			OutputID:         o.OutputID,
			OutputType:       o.OutputType,
			OutputParameters: o.OutputParameters,
		})
	}
	for _, c := range yn.Caches {
		node.CacheDecls = append(node.CacheDecls, graphmodel.CacheDecl{
			CacheType: c.CacheType,
			Location:  c.Location,
		})
	}
	return node, nil
}

// nodeFromModel converts a graphmodel.Node into its yamlNode shape,
// shared by Serialize (document) and EncodeNode (single node).
func nodeFromModel(node *graphmodel.Node) yamlNode {
	yn := yamlNode{
		ID:        node.ID,
		Name:      node.Name,
		Type:      node.Type,
		Subtype:   node.Subtype,
		Preserved: node.Preserved,
	}
	for _, e := range node.ImageInputs {
		outName := e.FromOutputName
		if outName == defaultOutputName {
			outName = ""
		}
		yn.ImageInputs = append(yn.ImageInputs, yamlImageInput{
			FromNodeID:     e.FromNodeID,
			FromOutputName: outName,
		})
	}
	for _, e := range node.ParameterInputs {
		yn.ParameterInputs = append(yn.ParameterInputs, yamlParameterInput{
			FromNodeID:      e.FromNodeID,
			FromOutputName:  e.FromOutputName,
			ToParameterName: e.ToParameterName,
		})
	}
	if len(node.StaticParameters) > 0 {
		yn.Parameters = node.StaticParameters
	}
	for _, o := range node.OutputPorts {
		yn.Outputs = append(yn.Outputs, yamlOutput{
			OutputID:         o.OutputID,
			OutputType:       o.OutputType,
			OutputParameters: o.OutputParameters,
		})
	}
	for _, c := range node.CacheDecls {
		yn.Caches = append(yn.Caches, yamlCache{CacheType: c.CacheType, Location: c.Location})
	}
	return yn
}

// Parse decodes a graph YAML document (§6.1) into a fresh GraphModel
// rooted at cacheRoot. Nodes are added in document order; a duplicate id
// or an edge that would create a cycle among already-added nodes is
// reported as the matching *imgdag.Error from GraphModel.AddNode.
func Parse(r io.Reader, cacheRoot string) (*graphmodel.GraphModel, error) {
	var raw []yamlNode
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return graphmodel.New(cacheRoot), nil
		}
		return nil, imgdag.NewError(imgdag.InvalidYAML, err)
	}

	g := graphmodel.New(cacheRoot)
	for _, yn := range raw {
		node, err := nodeToModel(yn)
		if err != nil {
			return nil, err
		}
		if err := g.AddNode(node); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// ParseFile reads and parses the graph YAML document at path.
func ParseFile(path, cacheRoot string) (*graphmodel.GraphModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, imgdag.NewError(imgdag.IO, err)
	}
	defer f.Close()
	return Parse(f, cacheRoot)
}

// Serialize writes g's nodes as a graph YAML document (§6.1), in
// insertion order, eliding any image_inputs.from_output_name equal to
// "image" so a re-parse reproduces the same edges.
func Serialize(w io.Writer, g *graphmodel.GraphModel) error {
	ids := g.AllNodeIDs()
	raw := make([]yamlNode, 0, len(ids))
	for _, id := range ids {
		node, ok := g.GetNode(id)
		if !ok {
			continue
		}
		raw = append(raw, nodeFromModel(node))
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(raw); err != nil {
		return imgdag.NewError(imgdag.IO, err)
	}
	return enc.Close()
}

// SerializeFile writes g's graph YAML document to path.
func SerializeFile(path string, g *graphmodel.GraphModel) error {
	f, err := os.Create(path)
	if err != nil {
		return imgdag.NewError(imgdag.IO, err)
	}
	if err := Serialize(f, g); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodeNode serializes a single node to the bare YAML mapping shape
// (no outer sequence), for get_node_yaml (§6.3).
func EncodeNode(node *graphmodel.Node) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(nodeFromModel(node)); err != nil {
		return "", imgdag.NewError(imgdag.IO, err)
	}
	if err := enc.Close(); err != nil {
		return "", imgdag.NewError(imgdag.IO, err)
	}
	return buf.String(), nil
}

// DecodeNode parses a single node YAML mapping produced by EncodeNode
// (or hand-edited in the same shape), for set_node_yaml (§6.3). It does
// not add the node to any graph; the caller decides how to splice it in.
func DecodeNode(doc string) (*graphmodel.Node, error) {
	var yn yamlNode
	if err := yaml.Unmarshal([]byte(doc), &yn); err != nil {
		return nil, imgdag.NewError(imgdag.InvalidYAML, err)
	}
	return nodeToModel(yn)
}

type errParameterInputName struct{}

func (errParameterInputName) Error() string {
	return "yamlio: parameter_inputs entry requires non-empty from_output_name and to_parameter_name"
}

func errEmptyParameterInputName() error {
	return errParameterInputName{}
}
