/*
 *	Copyright 2025 The mnist demo authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package mnist

// This file implements the model graphs: the logistic baseline and the CNN.

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
)

// ParamCnnDropoutRate is the hyperparameter with the dropout rate applied
// after the CNN's hidden dense layer. Dropout only happens during training.
const ParamCnnDropoutRate = "cnn_dropout_rate"

// LinearModelGraph builds a logistic regression model over the flattened
// pixels. It returns the logits (not the predictions), shaped
// [batch_size, NumClasses].
// inputs: only one tensor, shaped [batch_size, 28, 28, 1].
func LinearModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Only one type of input.
	ctx = ctx.In("model")
	images := inputs[0]
	batchSize := images.Shape().Dimensions[0]
	logits := layers.DenseWithBias(ctx.In("logits"), Reshape(images, batchSize, -1), NumClasses)
	return []*Node{logits}
}

// CnnModelGraph builds the convolutional model, modeled after the classic
// TensorFlow layers tutorial for MNIST: two convolution+max-pooling stages,
// a dense hidden layer with dropout, and a final dense layer with the
// per-class logits.
//
// It returns the logits (not the predictions), shaped
// [batch_size, NumClasses].
// inputs: only one tensor, shaped [batch_size, 28, 28, 1].
func CnnModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In("model")
	images := inputs[0]
	g := images.Graph()
	dtype := images.DType()
	batchSize := images.Shape().Dimensions[0]
	images.AssertDims(batchSize, Height, Width, 1)

	// Convolution #1: 28x28x1 -> 28x28x32, then halved by max-pooling.
	logits := layers.Convolution(ctx.In("conv1"), images).Filters(32).KernelSize(5).PadSame().Done()
	logits = activations.Relu(logits)
	logits.AssertDims(batchSize, 28, 28, 32)
	logits = MaxPool(logits).Window(2).Done()
	logits.AssertDims(batchSize, 14, 14, 32)

	// Convolution #2: 14x14x32 -> 14x14x64, then halved by max-pooling.
	logits = layers.Convolution(ctx.In("conv2"), logits).Filters(64).KernelSize(5).PadSame().Done()
	logits = activations.Relu(logits)
	logits.AssertDims(batchSize, 14, 14, 64)
	logits = MaxPool(logits).Window(2).Done()
	logits.AssertDims(batchSize, 7, 7, 64)

	// Flatten the feature maps and apply the dense "head".
	logits = Reshape(logits, batchSize, -1)
	logits = activations.Relu(layers.DenseWithBias(ctx.In("dense"), logits, 1024))
	dropoutRate := context.GetParamOr(ctx, ParamCnnDropoutRate, 0.0)
	if dropoutRate > 0 {
		logits = layers.DropoutNormalize(ctx.In("dropout"), logits, Scalar(g, dtype, dropoutRate), true)
	}
	logits = layers.DenseWithBias(ctx.In("logits"), logits, NumClasses)
	logits.AssertDims(batchSize, NumClasses)
	return []*Node{logits}
}

// PredictionsGraph converts logits to the model predictions: the chosen
// classes (argmax per example, an int32 from 0 to 9) and the softmax
// probabilities, whose rows add up to 1.
func PredictionsGraph(logits *Node) (classes, probabilities *Node) {
	classes = ArgMax(logits, -1, dtypes.Int32)
	probabilities = Softmax(logits)
	return
}
