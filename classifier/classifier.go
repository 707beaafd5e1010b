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

// Package classifier serves a trained MNIST model for inference: it loads a
// checkpoint created by mnist.TrainModel and classifies individual 28x28
// images.
//
// Create a Classifier with New and call Classify (the predicted digit) or
// Predict (the predicted digit plus the softmax probabilities). No loss is
// computed and no dropout is applied at inference.
package classifier

import (
	"image"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx-demos/mnist"
)

// Classifier holds the MNIST model compiled for inference.
// It will use XLA with GPU if available or CPU by default; the backend can
// be configured with GOMLX_BACKEND.
type Classifier struct {
	backend backends.Backend

	// ctx with the model's weights and hyperparameters, restored from the
	// checkpoint.
	ctx *context.Context

	// exec runs the model graph for one image at a time.
	exec *context.Exec
}

// New creates a Classifier from the checkpoint saved in checkpointDir.
//
// The model graph to build ("linear" or "cnn") is read from the checkpointed
// hyperparameters, so it always matches the saved weights.
func New(checkpointDir string) (*Classifier, error) {
	c := &Classifier{
		backend: backends.New(),
		ctx:     context.New(),
	}
	_, err := checkpoints.Load(c.ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load MNIST model from %q", checkpointDir)
	}
	// Mark the context to reuse variables: creating a new variable (a model
	// mismatch) becomes an error.
	c.ctx = c.ctx.Reuse()

	modelName := context.GetParamOr(c.ctx, "model", "")
	modelFn, found := mnist.Models[modelName]
	if !found {
		return nil, errors.Errorf("checkpoint %q has unknown model %q, valid values are \"linear\" and \"cnn\"",
			checkpointDir, modelName)
	}

	c.exec = context.NewExec(c.backend, c.ctx,
		func(ctx *context.Context, img *graph.Node) (choice, probabilities *graph.Node) {
			batch := graph.ExpandAxes(img, 0) // Batch dimension of size 1.
			logits := modelFn(ctx, nil, []*graph.Node{batch})[0]
			choice, probabilities = mnist.PredictionsGraph(logits)
			choice = graph.Reshape(choice) // Drop the batch dimension, a scalar remains.
			probabilities = graph.Reshape(probabilities, mnist.NumClasses)
			return
		})
	return c, nil
}

// Predict classifies a 28x28 image: it returns the predicted digit (0 to 9)
// and the softmax probability of each of the 10 classes.
func (c *Classifier) Predict(img image.Image) (class int32, probabilities []float32, err error) {
	input := mnist.ImageToTensor(img)
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { outputs = c.exec.Call(input) })
	if err != nil {
		return 0, nil, err
	}
	class = tensors.ToScalar[int32](outputs[0])
	probabilities = tensors.CopyFlatData[float32](outputs[1])
	return
}

// Classify a 28x28 image, returning the predicted digit, from 0 to 9.
func (c *Classifier) Classify(img image.Image) (int32, error) {
	class, _, err := c.Predict(img)
	return class, err
}
