package nnet

// ResNet18 returns the config for the 18 layer residual network with the same child and parameter names
// as the torchvision model, with standard ImageNet preprocessing.
func ResNet18() Config {
	c := Config{
		Model:      "resnet18",
		Weights:    "resnet18.safetensors",
		StopAt:     "fc",
		ResizeSize: 256,
		CropSize:   224,
		Mean:       []float32{0.485, 0.456, 0.406},
		StdDev:     []float32{0.229, 0.224, 0.225},
		UseGPU:     true,
	}
	return c.AddLayers(
		Named("conv1", Conv{Nfeats: 64, Size: 7, Stride: 2, Pad: 3}),
		Named("bn1", BatchNorm{}),
		Named("relu", Activation{Atype: "relu"}),
		Named("maxpool", MaxPool{Size: 3, Stride: 2, Pad: 1}),
		Named("layer1", resLayer(64, 64, 1)),
		Named("layer2", resLayer(64, 128, 2)),
		Named("layer3", resLayer(128, 256, 2)),
		Named("layer4", resLayer(256, 512, 2)),
		Named("avgpool", AvgPool{Out: 1}),
		Named("flatten", Flatten{}),
		Named("fc", Linear{Nout: 1000}),
	)
}

// stage of two basic blocks, the first may downsample
func resLayer(nIn, nOut, stride int) Sequential {
	return Sequential{Layers: []LayerConfig{
		Named("0", basicBlock(nIn, nOut, stride)),
		Named("1", basicBlock(nOut, nOut, 1)),
	}}
}

func basicBlock(nIn, nOut, stride int) Residual {
	r := Residual{Layers: []LayerConfig{
		Named("conv1", Conv{Nfeats: nOut, Size: 3, Stride: stride, Pad: 1}),
		Named("bn1", BatchNorm{}),
		Named("relu", Activation{Atype: "relu"}),
		Named("conv2", Conv{Nfeats: nOut, Size: 3, Stride: 1, Pad: 1}),
		Named("bn2", BatchNorm{}),
	}}
	if stride != 1 || nIn != nOut {
		r.Downsample = []LayerConfig{
			Named("0", Conv{Nfeats: nOut, Size: 1, Stride: stride}),
			Named("1", BatchNorm{}),
		}
	}
	return r
}
