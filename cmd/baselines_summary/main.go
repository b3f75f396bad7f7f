// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// baselines_summary builds one of the baseline models with the given
// hyperparameters and prints its variables and parameter counts.
//
// Example:
//
//	baselines_summary -model=batchensemble -depth=32 -members=4
package main

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/baselines/cifar"
	"github.com/gomlx/baselines/imagenet"
)

var (
	flagModel = flag.String("model", "batchensemble",
		"Model to build: \"batchensemble\" (BatchEnsemble ResNet for CIFAR) or \"resnet50\".")
	flagBatchSize = flag.Int("batch", 8, "Batch size used to build the graph. "+
		"It must be divisible by -members.")
	flagNumClasses = flag.Int("classes", 0, "Number of output classes. "+
		"Defaults to 10 for batchensemble and 1000 for resnet50.")
	flagImageSize = flag.Int("image_size", 0, "Input image resolution. "+
		"Defaults to 32 for batchensemble and 224 for resnet50.")

	flagDepth   = flag.Int("depth", 32, "BatchEnsemble resnet depth, must be of the form 6n+2.")
	flagMembers = flag.Int("members", 4, "Number of BatchEnsemble members.")
	flagWidth   = flag.Int("width", 1, "Width multiplier of the BatchEnsemble resnet filters.")
	flagRandomSignInit = flag.Float64("random_sign_init", 1.0,
		"Initializer of the per-member scaling vectors: > 0 is the probability of +1 "+
			"for random signs, <= 0 the negated stddev of a Normal(1, .) initializer.")
	flagDropout = flag.Float64("dropout", 0, "Monte Carlo dropout rate.")
	flagL2      = flag.Float64("l2", 0, "L2 regularization on the shared weights.")
)

func main() {
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'baselines_summary -help'.", flag.Args())
		return
	}

	var graphFn func(ctx *context.Context, g *graph.Graph) *graph.Node
	switch *flagModel {
	case "batchensemble":
		graphFn = batchEnsembleGraph
	case "resnet50":
		graphFn = resnet50Graph
	default:
		klog.Exitf("Unknown -model %q: valid values are \"batchensemble\" and \"resnet50\".", *flagModel)
	}

	backend := backends.MustNew()
	ctx := context.New()
	exec := must.M1(context.NewExec(backend, ctx, graphFn))
	outputs := exec.MustExec()
	summary(ctx, outputs[0].Shape())
}

func batchEnsembleGraph(ctx *context.Context, g *graph.Graph) *graph.Node {
	images := zeroImages(g, 32)
	numClasses := *flagNumClasses
	if numClasses == 0 {
		numClasses = 10
	}
	return cifar.BatchEnsembleResNet(ctx, images).
		Depth(*flagDepth).
		NumClasses(numClasses).
		WidthMultiplier(*flagWidth).
		Members(*flagMembers).
		RandomSignInit(*flagRandomSignInit).
		DropoutRate(*flagDropout).
		L2Regularization(*flagL2).
		Done()
}

func resnet50Graph(ctx *context.Context, g *graph.Graph) *graph.Node {
	images := zeroImages(g, 224)
	numClasses := *flagNumClasses
	if numClasses == 0 {
		numClasses = 1000
	}
	return imagenet.ResNet50(ctx, images).NumClasses(numClasses).Done()
}

func zeroImages(g *graph.Graph, defaultSize int) *graph.Node {
	size := *flagImageSize
	if size == 0 {
		size = defaultSize
	}
	return graph.Zeros(g, shapes.Make(dtypes.Float32, *flagBatchSize, size, size, 3))
}

func summary(ctx *context.Context, output shapes.Shape) {
	type varRow struct {
		scope, name string
		shape       shapes.Shape
	}
	var rows []varRow
	var totalParams int
	var totalMemory uintptr
	ctx.EnumerateVariables(func(v *context.Variable) {
		rows = append(rows, varRow{scope: v.Scope(), name: v.Name(), shape: v.Shape()})
		totalParams += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	slices.SortFunc(rows, func(a, b varRow) int {
		if c := strings.Compare(a.scope, b.scope); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})

	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables of %q", *flagModel)))
	varsTable := newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	varsTable.Headers("Scope", "Name", "Shape", "Parameters")
	for _, row := range rows {
		varsTable.Row(row.scope, row.name, row.shape.String(), humanize.Comma(int64(row.shape.Size())))
	}
	fmt.Println(varsTable.Render())

	fmt.Println(titleStyle.Render("Summary"))
	totalsTable := newPlainTable(false, lipgloss.Left, lipgloss.Right)
	totalsTable.Row("model", *flagModel)
	totalsTable.Row("output", output.String())
	totalsTable.Row("# variables", humanize.Comma(int64(len(rows))))
	totalsTable.Row("# parameters", humanize.Comma(int64(totalParams)))
	totalsTable.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	fmt.Println(totalsTable.Render())
}
