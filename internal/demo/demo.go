// Package demo ships a small asset set and its adapters: a texture importer
// and a material builder. It doubles as the reference wiring for adapter
// authors and feeds the harness scenarios.
package demo

import (
	"context"
	"fmt"

	"github.com/kilnworks/kiln/internal/pipeline"
	"github.com/kilnworks/kiln/internal/schema"
	"github.com/kilnworks/kiln/internal/value"
)

// Schemas returns the demo schema set.
func Schemas() []schema.Def {
	return []schema.Def{
		schema.EnumDef{Name: "TexFormat", Symbols: []string{"BC1", "BC7"}, Default: "BC7"},
		schema.RecordDef{Name: "Texture", Fields: []schema.Field{
			{Name: "source", Type: schema.String()},
			{Name: "width", Type: schema.Int()},
			{Name: "height", Type: schema.Int()},
			{Name: "format", Type: schema.Enum("TexFormat")},
			{Name: "srgb", Type: schema.Bool()},
		}},
		schema.RecordDef{Name: "Layer", Fields: []schema.Field{
			{Name: "name", Type: schema.String()},
			{Name: "opacity", Type: schema.Float()},
		}},
		schema.RecordDef{Name: "Material", Fields: []schema.Field{
			{Name: "albedo", Type: schema.Ref("Texture")},
			{Name: "layers", Type: schema.Array(schema.Record("Layer"))},
			{Name: "params", Type: schema.Map(schema.Float())},
			{Name: "two_sided", Type: schema.Bool()},
		}},
	}
}

// Adapters returns the demo adapter set.
func Adapters() *pipeline.AdapterSet {
	return pipeline.NewAdapterSet(&TextureImporter{}, &MaterialBuilder{})
}

// TextureImporter processes Texture assets into a compact artifact with a
// computed mip chain length.
type TextureImporter struct{}

func (*TextureImporter) Kind() string    { return "import" }
func (*TextureImporter) Version() string { return "texture-import-1" }
func (*TextureImporter) Schema() string  { return "Texture" }

func (*TextureImporter) Execute(ctx context.Context, in pipeline.Inputs) (pipeline.Output, error) {
	rec, ok := in.Resolved.(value.Map)
	if !ok {
		return pipeline.Output{}, fmt.Errorf("texture %s: resolved value is not a record", in.Object)
	}

	width := intField(rec, "width")
	height := intField(rec, "height")
	if width < 0 || height < 0 {
		return pipeline.Output{}, fmt.Errorf("texture %s: negative dimensions %dx%d", in.Object, width, height)
	}

	processed := value.Map{
		"source":    rec["source"],
		"width":     value.Int(width),
		"height":    value.Int(height),
		"format":    rec["format"],
		"srgb":      rec["srgb"],
		"mip_count": value.Int(mipCount(width, height)),
	}
	artifact, err := value.MarshalCanonical(processed)
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{Artifact: artifact}, nil
}

// mipCount is the full chain length down to 1x1.
func mipCount(width, height int64) int64 {
	side := width
	if height > side {
		side = height
	}
	count := int64(1)
	for side > 1 {
		side >>= 1
		count++
	}
	return count
}

// MaterialBuilder processes Material assets. The artifact records texture
// presence, not texture identity, so materials with equal content build
// byte-identical artifacts regardless of which texture object they point at.
// The referenced texture is reported as a discovered dependency.
type MaterialBuilder struct{}

func (*MaterialBuilder) Kind() string    { return "build" }
func (*MaterialBuilder) Version() string { return "material-build-1" }
func (*MaterialBuilder) Schema() string  { return "Material" }

func (*MaterialBuilder) Execute(ctx context.Context, in pipeline.Inputs) (pipeline.Output, error) {
	rec, ok := in.Resolved.(value.Map)
	if !ok {
		return pipeline.Output{}, fmt.Errorf("material %s: resolved value is not a record", in.Object)
	}

	var discovered []value.ObjectID
	hasAlbedo := false
	if ref, ok := rec["albedo"].(value.Ref); ok && !ref.Target.IsNil() {
		hasAlbedo = true
		discovered = append(discovered, ref.Target)
	}

	layers, _ := rec["layers"].(value.Array)
	opacity := value.Float(1)
	for _, l := range layers {
		lm, ok := l.(value.Map)
		if !ok {
			continue
		}
		if o, ok := lm["opacity"].(value.Float); ok {
			opacity *= o
		}
	}

	processed := value.Map{
		"has_albedo":       value.Bool(hasAlbedo),
		"layer_count":      value.Int(int64(len(layers))),
		"combined_opacity": opacity,
		"params":           rec["params"],
		"two_sided":        rec["two_sided"],
	}
	artifact, err := value.MarshalCanonical(processed)
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{Artifact: artifact, AdditionalDeps: discovered}, nil
}

func intField(rec value.Map, name string) int64 {
	if v, ok := rec[name].(value.Int); ok {
		return int64(v)
	}
	return 0
}
