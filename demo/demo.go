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

// Demo trainer for the MNIST digits classifier.
//
//  1. With `demo --download`: only downloads the dataset.
//  2. With `demo --train` (the default): trains the CNN model and reports the
//     accuracy on the train and test datasets.
//
// Hyperparameters can be overridden with --set, e.g.:
//
//	demo --checkpoint=cnn --set "model=cnn;train_steps=1000;learning_rate=0.01"
package main

import (
	"flag"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx-demos/mnist"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagDataDir   = flag.String("data", "~/work/mnist", "Directory to cache the downloaded dataset.")
	flagDownload  = flag.Bool("download", false, "Only download the dataset.")
	flagTrain     = flag.Bool("train", true, "Train the model.")
	flagEval      = flag.Bool("eval", true, "Evaluate the model on the train and test datasets at the end of training.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagCheckpoint = flag.String("checkpoint", "",
		"Directory to save and restore checkpoints from, relative to --data. If empty, no checkpoints are created.")
)

func main() {
	ctx := mnist.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	err := exceptions.TryCatch[error](func() { run(ctx, paramsSet) })
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

func run(ctx *context.Context, paramsSet []string) {
	*flagDataDir = data.ReplaceTildeInDir(*flagDataDir)
	if !data.FileExists(*flagDataDir) {
		must.M(os.MkdirAll(*flagDataDir, 0777))
	}

	if *flagDownload {
		must.M(mnist.Download(*flagDataDir))
		klog.Infof("MNIST dataset downloaded to %s", *flagDataDir)
	}
	if *flagTrain {
		mnist.TrainModel(ctx, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
	}
	if !*flagDownload && !*flagTrain {
		klog.Info("nothing to do: use --download and/or --train")
	}
}
