package main

const (
	MsgEmptyCloud = "The uploaded point cloud has no points. Send a PCD file with at least one x, y, z point."

	MsgTooManySamples = "Too many samples requested. Lower num_samples or split the request."

	MsgPredicted = "Sampled points were labeled successfully."

	MsgNotReady = "The model is still busy with other requests. Please retry shortly."
)
