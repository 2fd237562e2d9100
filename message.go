package main

const (
	MsgInvalidRequest = "The request could not be read. Send JSON with base64 pixels or a multipart \"file\" upload."

	MsgInvalidImage = "The image could not be processed. Check that width, height and the pixel buffer agree."

	MsgUnavailable = "No classifier is available right now. The model may still be loading and the remote service did not answer."

	MsgClassifyFailed = "The image could not be classified."
)
