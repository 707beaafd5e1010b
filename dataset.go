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

// Package mnist trains a classifier for the MNIST database of handwritten
// digits, using GoMLX for the models and training loop.
//
// It provides downloading and parsing of the dataset in its original IDX
// format (see http://yann.lecun.com/exdb/mnist/), a train.Dataset
// implementation that yields image/label batches, the linear and CNN model
// graphs and TrainModel, the training driver.
//
// See the demo/ sub-package for a command-line trainer, and classifier/ for
// serving a trained model for inference.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

const (
	downloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	// Width and Height of every MNIST image, in pixels.
	Width  = 28
	Height = 28

	// NumClasses is the number of digit classes, 0 to 9.
	NumClasses = 10

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

type fileType int

const (
	imageFileType fileType = iota
	labelFileType
)

var datasetFiles = map[string][2]string{
	"train": {trainImagesFilename, trainLabelsFilename},
	"test":  {testImagesFilename, testLabelsFilename},
}

// Image is one MNIST image, a flat array of pixel intensities: 0 is black
// (the background) and 255 is white (the digit color).
type Image [Width * Height]byte

// Label is the digit label, from 0 to 9.
type Label = int8

// Compile-time check that Image is usable wherever an image.Image is taken.
var _ image.Image = Image{}

// ColorModel implements the image.Image interface.
func (img Image) ColorModel() color.Model { return color.GrayModel }

// Bounds implements the image.Image interface.
func (img Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, Width, Height)
}

// At implements the image.Image interface.
func (img Image) At(x, y int) color.Color {
	return color.Gray{Y: img[y*Width+x]}
}

// Set modifies the pixel at (x,y).
func (img *Image) Set(x, y int, v byte) {
	img[y*Width+x] = v
}

// Download fetches the 4 MNIST IDX files to baseDir, if they are not yet
// there. The files are kept gzip'ed, they are uncompressed when parsed.
func Download(baseDir string) error {
	baseDir = data.ReplaceTildeInDir(baseDir)
	for _, file := range []string{trainImagesFilename, trainLabelsFilename, testImagesFilename, testLabelsFilename} {
		fileURL, _ := url.JoinPath(downloadURL, file)
		filePath := path.Join(baseDir, file)
		if err := data.DownloadIfMissing(fileURL, filePath, ""); err != nil {
			return errors.WithMessagef(err, "failed to download %q", fileURL)
		}
	}
	return nil
}

var _ train.Dataset = &Dataset{}

// Dataset implements train.Dataset, so it can be used by a train.Loop to
// train and evaluate. It also gives access to the individual decoded images,
// see At.
//
// It yields per batch an images tensor shaped [batch_size, 28, 28, 1], with
// pixel values normalized to [0.0, 1.0], and a labels tensor shaped
// [batch_size, 1] with the digit class as an int32.
type Dataset struct {
	name   string
	images []Image
	labels []Label

	batchSize int
	infinite  bool
	shuffle   *rand.Rand
	indices   []int
	position  int
}

// NewDataset loads the given mode ("train" or "test") of the MNIST data from
// baseDir -- it must have been downloaded already, see Download.
//
// If shuffle is non-nil the example order is reshuffled at every epoch.
// See also Dataset.Infinite.
func NewDataset(name, baseDir, mode string, batchSize int, shuffle *rand.Rand) (*Dataset, error) {
	files, found := datasetFiles[mode]
	if !found {
		return nil, errors.Errorf("unknown dataset mode %q, valid values are \"train\" and \"test\"", mode)
	}
	baseDir = data.ReplaceTildeInDir(baseDir)
	images, err := loadImagesFile(path.Join(baseDir, files[imageFileType]))
	if err != nil {
		return nil, err
	}
	labels, err := loadLabelsFile(path.Join(baseDir, files[labelFileType]))
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, errors.Errorf("MNIST %s: %d images but %d labels", mode, len(images), len(labels))
	}
	ds := &Dataset{
		name:      name,
		images:    images,
		labels:    labels,
		batchSize: batchSize,
		shuffle:   shuffle,
	}
	ds.restart()
	return ds, nil
}

// Infinite marks the dataset as never-ending: instead of yielding io.EOF at
// the end of an epoch it reshuffles (if shuffling) and continues. Used for
// the training dataset with train.Loop.RunSteps. It returns the dataset, for
// chaining.
func (ds *Dataset) Infinite(value bool) *Dataset {
	ds.infinite = value
	return ds
}

// NumExamples in the dataset.
func (ds *Dataset) NumExamples() int { return len(ds.images) }

// At returns the i-th image and its label.
func (ds *Dataset) At(i int) (image.Image, Label) {
	return ds.images[i], ds.labels[i]
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the epoch.
func (ds *Dataset) Reset() {
	ds.restart()
}

func (ds *Dataset) restart() {
	ds.position = 0
	if ds.shuffle != nil {
		ds.indices = ds.shuffle.Perm(len(ds.images))
		return
	}
	if ds.indices == nil {
		ds.indices = make([]int, len(ds.images))
		for i := range ds.indices {
			ds.indices[i] = i
		}
	}
}

// Yield implements train.Dataset. It returns:
//
//   - spec: not used, left as nil.
//   - inputs: the images batch, shaped [batch_size, 28, 28, 1].
//   - labels: the digit classes, shaped [batch_size, 1].
//
// A finite dataset yields a final short batch if the number of examples is
// not a multiple of the batch size, and then io.EOF.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.position >= len(ds.indices) {
		if !ds.infinite {
			return nil, nil, nil, io.EOF
		}
		ds.restart()
	}
	start := ds.position
	end := start + ds.batchSize
	if end > len(ds.indices) {
		if ds.infinite {
			// Skip the partial epoch tail, start a fresh epoch instead.
			ds.restart()
			start, end = 0, ds.batchSize
		} else {
			end = len(ds.indices)
		}
	}
	ds.position = end

	batch := ds.indices[start:end]
	n := len(batch)
	pixels := make([]float32, 0, n*Width*Height)
	classes := make([]int32, 0, n)
	for _, idx := range batch {
		for _, p := range ds.images[idx] {
			pixels = append(pixels, float32(p)/255)
		}
		classes = append(classes, int32(ds.labels[idx]))
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(pixels, n, Height, Width, 1)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(classes, n, 1)}
	return
}

// ImageToTensor converts one image to a [28, 28, 1] tensor with pixel values
// normalized to [0.0, 1.0], the same encoding Dataset.Yield uses per example.
// Non-grayscale images are converted.
func ImageToTensor(img image.Image) *tensors.Tensor {
	pixels := make([]float32, 0, Height*Width)
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Min.Y+Height; y++ {
		for x := bounds.Min.X; x < bounds.Min.X+Width; x++ {
			gray := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			pixels = append(pixels, float32(gray.Y)/255)
		}
	}
	return tensors.FromFlatDataAndDimensions(pixels, Height, Width, 1)
}

type imagesFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelsFileHeader struct {
	Magic     int32
	NumLabels int32
}

func loadImagesFile(filePath string) ([]Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open MNIST images file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	images, err := parseImages(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing %q", filePath)
	}
	return images, nil
}

// parseImages reads a gzip'ed IDX3 images file.
func parseImages(r io.Reader) ([]Image, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "images file is not gzip'ed")
	}
	defer func() { _ = gz.Close() }()

	var header imagesFileHeader
	if err := binary.Read(gz, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read images file header")
	}
	if header.Magic != imageMagic {
		return nil, errors.Errorf("invalid images file magic number %#08x, wanted %#08x", header.Magic, imageMagic)
	}
	if header.Width != Width || header.Height != Height {
		return nil, errors.Errorf("images are %dx%d, expected %dx%d", header.Width, header.Height, Width, Height)
	}
	images := make([]Image, header.NumImages)
	for i := range images {
		if err := binary.Read(gz, binary.BigEndian, &images[i]); err != nil {
			return nil, errors.Wrapf(err, "failed to read image %d of %d", i, header.NumImages)
		}
	}
	return images, nil
}

func loadLabelsFile(filePath string) ([]Label, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open MNIST labels file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	labels, err := parseLabels(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing %q", filePath)
	}
	return labels, nil
}

// parseLabels reads a gzip'ed IDX1 labels file.
func parseLabels(r io.Reader) ([]Label, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "labels file is not gzip'ed")
	}
	defer func() { _ = gz.Close() }()

	var header labelsFileHeader
	if err := binary.Read(gz, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read labels file header")
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("invalid labels file magic number %#08x, wanted %#08x", header.Magic, labelMagic)
	}
	labels := make([]Label, header.NumLabels)
	if err := binary.Read(gz, binary.BigEndian, &labels); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels", header.NumLabels)
	}
	return labels, nil
}

// DatasetsConfiguration for CreateDatasets.
type DatasetsConfiguration struct {
	// DataDir, where the downloaded dataset is stored.
	DataDir string

	// BatchSize for training and EvalBatchSize for evaluation batches.
	BatchSize, EvalBatchSize int

	// UseParallelism generates batches in parallel, with BufferSize batches
	// cached per dataset.
	UseParallelism bool
	BufferSize     int
}

// CreateDatasets returns the datasets used for training and evaluation: the
// training dataset is infinite and shuffled, the evaluation datasets do one
// sequential pass over the training and test ("validation") examples.
func CreateDatasets(config *DatasetsConfiguration) (trainDS, trainEvalDS, testEvalDS train.Dataset, err error) {
	shuffle := rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	baseTrain, err := NewDataset("train", config.DataDir, "train", config.BatchSize, shuffle)
	if err != nil {
		return
	}
	trainDS = baseTrain.Infinite(true)
	trainEvalDS, err = NewDataset("train-eval", config.DataDir, "train", config.EvalBatchSize, nil)
	if err != nil {
		return
	}
	testEvalDS, err = NewDataset("test-eval", config.DataDir, "test", config.EvalBatchSize, nil)
	if err != nil {
		return
	}

	if config.UseParallelism {
		trainDS = data.CustomParallel(trainDS).Buffer(config.BufferSize).Start()
		trainEvalDS = data.CustomParallel(trainEvalDS).Buffer(config.BufferSize).Start()
		testEvalDS = data.CustomParallel(testEvalDS).Buffer(config.BufferSize).Start()
	}
	return
}
