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

package classifier_test

import (
	"flag"
	"os"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/gomlx-demos/mnist"
	"github.com/gomlx-demos/mnist/classifier"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var flagDataDir = flag.String("data", "~/work/mnist", "Directory to cache the downloaded dataset.")

func init() {
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		// For testing, we use the CPU backend (and avoid GPU if not explicitly requested).
		must.M(os.Setenv(backends.ConfigEnvVar, "xla:cpu"))
	}
}

// TestClassifier trains the linear model for a few steps into a temporary
// checkpoint and serves it back for inference. It has to download the
// dataset, so it is disabled for short tests.
func TestClassifier(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}
	dataDir := data.ReplaceTildeInDir(*flagDataDir)
	require.NoError(t, os.MkdirAll(dataDir, 0777))

	// A quick training, just to have a valid checkpoint to serve.
	ctx := mnist.CreateDefaultContext()
	ctx.SetParam("model", "linear")
	ctx.SetParam("train_steps", 100)
	ctx.SetParam("log_every_steps", 0)
	checkpointDir := t.TempDir()
	mnist.TrainModel(ctx, dataDir, checkpointDir, false, -1, nil)

	c, err := classifier.New(checkpointDir)
	require.NoError(t, err)

	testDS, err := mnist.NewDataset("test", dataDir, "test", 1, nil)
	require.NoError(t, err)
	img, _ := testDS.At(0)
	class, probabilities, err := c.Predict(img)
	require.NoError(t, err)
	require.GreaterOrEqual(t, class, int32(0))
	require.Less(t, class, int32(mnist.NumClasses))
	require.Len(t, probabilities, mnist.NumClasses)
	var sum float32
	for _, p := range probabilities {
		sum += p
	}
	require.InDelta(t, 1.0, sum, 1e-4)

	classOnly, err := c.Classify(img)
	require.NoError(t, err)
	require.Equal(t, class, classOnly)
}
