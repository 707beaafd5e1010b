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

package main

import (
	"os"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx-demos/mnist"
)

var (
	flagSettings *string
	muDemo       sync.Mutex
)

func init() {
	klog.InitFlags(nil)
	ctx := mnist.CreateDefaultContext()
	flagSettings = commandline.CreateContextSettingsFlag(ctx, "")
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		// For testing, we use the CPU backend (and avoid GPU if not explicitly requested).
		must.M(os.Setenv(backends.ConfigEnvVar, "xla:cpu"))
	}
}

// TestDemo trains the model for 10 steps, not generating any checkpoints.
//
// It has to download the training data, and it will use the flag
// *flagDataDir (--data) as the location to store it.
//
// It is disabled for short tests.
func TestDemo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}

	// Run at most one demo training at a time.
	muDemo.Lock()
	defer muDemo.Unlock()

	ctx := mnist.CreateDefaultContext()
	ctx.SetParam("train_steps", 10) // Only 10 steps.
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *flagSettings))
	mnist.TrainModel(ctx, *flagDataDir, "", true, 0, paramsSet)
}
