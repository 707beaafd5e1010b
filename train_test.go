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

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, "cnn", context.GetParamOr(ctx, "model", ""))
	assert.Equal(t, 20000, context.GetParamOr(ctx, "train_steps", 0))
	assert.Equal(t, 100, context.GetParamOr(ctx, "batch_size", 0))
	assert.Equal(t, 50, context.GetParamOr(ctx, "log_every_steps", 0))
	assert.Equal(t, "sgd", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.Equal(t, 0.001, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, 0.4, context.GetParamOr(ctx, ParamCnnDropoutRate, 0.0))
}

// TestOneHotCrossEntropyLoss checks the one-hot encoded formulation against
// the sparse one: they must agree to numerical precision.
func TestOneHotCrossEntropyLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires a backend in short mode")
		return
	}
	backend := backends.New()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(_ *context.Context, labels, logits *Node) []*Node {
		oneHotLoss := ReduceAllMean(OneHotCrossEntropyLoss([]*Node{labels}, []*Node{logits}))
		sparseLoss := ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits}))
		return []*Node{oneHotLoss, sparseLoss}
	})

	const batchSize = 4
	rng := rand.New(rand.NewSource(17))
	logitsData := make([]float32, batchSize*NumClasses)
	for i := range logitsData {
		logitsData[i] = rng.Float32()*2 - 1
	}
	labels := tensors.FromFlatDataAndDimensions([]int32{7, 0, 9, 3}, batchSize, 1)
	logits := tensors.FromFlatDataAndDimensions(logitsData, batchSize, NumClasses)

	outputs := exec.Call(labels, logits)
	oneHotLoss := tensors.ToScalar[float32](outputs[0])
	sparseLoss := tensors.ToScalar[float32](outputs[1])
	require.Greater(t, oneHotLoss, float32(0))
	require.InDelta(t, sparseLoss, oneHotLoss, 1e-5)
}
