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
	"fmt"
	"os"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// ParamsExcludedFromSaving is the list of hyperparameters (see
// CreateDefaultContext) not saved along with the model checkpoints, so they
// can be overridden in further training sessions.
var ParamsExcludedFromSaving = []string{"train_steps", "num_checkpoints", "log_every_steps"}

// Models maps the value of the "model" hyperparameter to the graph building
// function to use.
var Models = map[string]train.ModelFn{
	"linear": LinearModelGraph,
	"cnn":    CnnModelGraph,
}

// OneHotCrossEntropyLoss one-hot encodes the labels (shaped
// [batch_size, 1]) and returns the cross-entropy losses against the logits,
// following the original tutorial's formulation. Numerically it is the same
// as losses.SparseCategoricalCrossEntropyLogits.
func OneHotCrossEntropyLoss(labels, logits []*Node) *Node {
	labels0, logits0 := labels[0], logits[0]
	batchSize := labels0.Shape().Dimensions[0]
	oneHot := OneHot(Reshape(labels0, batchSize), NumClasses, logits0.DType())
	return losses.CategoricalCrossEntropyLogits([]*Node{oneHot}, logits)
}

// Losses maps the value of the "loss" hyperparameter to the loss function to
// train with.
var Losses = map[string]losses.LossFn{
	"cross-entropy":        OneHotCrossEntropyLoss,
	"sparse-cross-entropy": losses.SparseCategoricalCrossEntropyLogits,
}

// MeanMaxProbabilityGraph returns the mean (over the batch) of the highest
// softmax probability per example -- a cheap measure of how confident the
// model is, reported by the periodic logging hook during training.
func MeanMaxProbabilityGraph(_ *context.Context, _, logits []*Node) *Node {
	_, probabilities := PredictionsGraph(logits[0])
	return ReduceAllMean(ReduceMax(probabilities, -1))
}

// CreateDefaultContext creates a context with the default hyperparameters:
// the ones from the original tutorial -- SGD with a fixed learning rate of
// 0.001, batches of 100 and 20000 training steps.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		"model": "cnn",
		"loss":  "cross-entropy",

		"train_steps": 20000,
		"batch_size":  100,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 1000,

		"num_checkpoints": 3,

		// Report training loss and softmax confidence every this many steps.
		"log_every_steps": 50,

		optimizers.ParamOptimizer:    "sgd",
		optimizers.ParamLearningRate: 0.001,

		ParamCnnDropoutRate: 0.4,
	})
	return ctx
}

// TrainModel trains the model selected by the "model" hyperparameter,
// checkpointing it to checkpointPath (if given, relative paths are taken
// under dataDir), and finally reports an evaluation of the train and test
// datasets.
//
// The MNIST dataset is downloaded to dataDir if not yet there.
//
// paramsSet are hyperparameters overridden on the command-line; they are
// never overwritten by values loaded from a checkpoint.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int, paramsSet []string) {
	dataDir = data.ReplaceTildeInDir(dataDir)
	if !data.FileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	must.M(Download(dataDir))

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	backend := backends.New()
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		exceptions.Panicf("batch_size must be > 0, got %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	dsConfig := &DatasetsConfiguration{
		DataDir:        dataDir,
		BatchSize:      batchSize,
		EvalBatchSize:  evalBatchSize,
		UseParallelism: true,
		BufferSize:     100,
	}
	trainDS, trainEvalDS, testEvalDS := must.M3(CreateDatasets(dsConfig))

	// Checkpoints saving -- also loads the model if one is already saved.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		if verbosity >= 1 {
			fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
		}
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	modelName := context.GetParamOr(ctx, "model", "")
	modelFn, found := Models[modelName]
	if !found {
		exceptions.Panicf("unknown model %q, valid values are \"linear\" and \"cnn\"", modelName)
	}
	lossName := context.GetParamOr(ctx, "loss", "")
	lossFn, found := Losses[lossName]
	if !found {
		exceptions.Panicf("unknown loss %q, valid values are \"cross-entropy\" and \"sparse-cross-entropy\"", lossName)
	}

	// Metrics we are interested in.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	maxProbabilityMetric := metrics.NewExponentialMovingAverageMetric(
		"Moving Average Max Probability", "~prob", "probability", MeanMaxProbabilityGraph, nil, 0.01)

	// Create a train.Trainer: this object will orchestrate running the model,
	// feeding results to the optimizer, evaluating the metrics, etc. (all
	// happens in trainer.TrainStep).
	trainer := train.NewTrainer(backend, ctx, modelFn, lossFn,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric, maxProbabilityMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})                         // evalMetrics

	// Use the standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
	}

	// Periodically log the training loss and the softmax confidence, the
	// counterpart of the original tutorial's tensor-logging hook.
	if logEverySteps := context.GetParamOr(ctx, "log_every_steps", 0); logEverySteps > 0 {
		train.EveryNSteps(loop, logEverySteps, "log softmax probabilities", 0,
			func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
				// stepMetrics: 0 is the batch loss, 1 the moving average loss,
				// followed by the trainMetrics given to the trainer.
				klog.V(1).Infof("step %d: loss=%s, max-probability=%s",
					loop.LoopStep, stepMetrics[0], stepMetrics[3])
				return nil
			})
	}

	// Checkpoint saving: every 3 minutes of training, and at the end.
	if checkpoint != nil {
		train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, _ []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Loop for the given number of steps -- continuing from the checkpointed
	// global step, if any.
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	// Finally, print an evaluation of the train and test datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, trainEvalDS, testEvalDS))
	}
}
