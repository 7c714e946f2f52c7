package mlanomaly

import (
	"encoding/json"
	"fmt"
	"math"
)

const defaultAnomalyThreshold = 0.7

// treeNode is one node of a serialized isolation tree. Leaves have
// Left == -1; Size is the number of training samples that reached the leaf.
type treeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Size      int     `json:"size"`
}

type isolationTree struct {
	Nodes []treeNode `json:"nodes"`
}

// modelBlob is the serialized form of a trained detector. Training happens
// out of process; the pipeline only deserializes and scores.
type modelBlob struct {
	FeatureNames []string        `json:"feature_names"`
	Trees        []isolationTree `json:"trees"`
	SampleSize   int             `json:"sample_size"`
	Offset       float64         `json:"offset"`
	Threshold    float64         `json:"threshold"`
}

type detector struct {
	blob modelBlob
}

func decodeDetector(data []byte) (d *detector, err error) {
	var blob modelBlob
	if err = json.Unmarshal(data, &blob); err != nil {
		err = fmt.Errorf("decoding anomaly model: %v", err)
		return
	}
	if len(blob.Trees) == 0 || len(blob.FeatureNames) == 0 {
		err = fmt.Errorf("anomaly model has no trees or no feature names")
		return
	}
	if blob.SampleSize < 2 {
		err = fmt.Errorf("anomaly model sample size %v is too small", blob.SampleSize)
		return
	}
	if blob.Threshold <= 0 {
		blob.Threshold = defaultAnomalyThreshold
	}
	for _, tree := range blob.Trees {
		if len(tree.Nodes) == 0 {
			err = fmt.Errorf("anomaly model contains an empty tree")
			return
		}
	}
	d = &detector{blob: blob}
	return
}

// score runs isolation forest inference over the feature map and reports a
// normalized [0,1] anomaly score, higher meaning more anomalous.
func (d *detector) score(features map[string]float64) (score float64, isAnomaly bool) {
	vector := make([]float64, len(d.blob.FeatureNames))
	for i, name := range d.blob.FeatureNames {
		vector[i] = features[name]
	}

	totalDepth := 0.0
	for _, tree := range d.blob.Trees {
		totalDepth += pathLength(tree, vector)
	}
	avgDepth := totalDepth / float64(len(d.blob.Trees))

	// Standard isolation forest anomaly measure: short average paths
	// isolate quickly and push the measure toward 1.
	forestScore := math.Pow(2, -avgDepth/averagePathLength(d.blob.SampleSize))

	decision := -forestScore - d.blob.Offset
	score = clamp01(0.5 - decision)
	isAnomaly = score >= d.blob.Threshold
	return
}

func pathLength(tree isolationTree, vector []float64) float64 {
	depth := 0.0
	i := 0
	// A valid tree never revisits a node, so any walk longer than the node
	// count means the links form a cycle.
	for steps := 0; steps <= len(tree.Nodes); steps++ {
		node := tree.Nodes[i]
		if node.Left < 0 || node.Left >= len(tree.Nodes) || node.Right < 0 || node.Right >= len(tree.Nodes) {
			return depth + averagePathLength(node.Size)
		}
		v := 0.0
		if node.Feature >= 0 && node.Feature < len(vector) {
			v = vector[node.Feature]
		}
		if v < node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
		depth++
	}
	return depth
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree over n samples.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0.0
	}
	harmonic := math.Log(float64(n-1)) + 0.5772156649
	return 2*harmonic - 2*float64(n-1)/float64(n)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
