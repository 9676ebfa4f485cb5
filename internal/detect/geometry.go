package detect

import "image"

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 []float64) float64 {
	if len(bbox1) != 4 || len(bbox2) != 4 {
		return 0
	}

	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)

	area1 := (bbox1[2] - bbox1[0]) * (bbox1[3] - bbox1[1])
	area2 := (bbox2[2] - bbox2[0]) * (bbox2[3] - bbox2[1])
	union := area1 + area2 - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// ConvertPixelBBoxToRelative converts pixel bbox to relative (0-1) coordinates.
// Input bbox is [x1, y1, x2, y2] in pixels, output is [x1, y1, x2, y2] in relative coords.
func ConvertPixelBBoxToRelative(bbox []float64, width, height int) []float64 {
	if len(bbox) != 4 || width <= 0 || height <= 0 {
		return bbox
	}
	return []float64{
		bbox[0] / float64(width),
		bbox[1] / float64(height),
		bbox[2] / float64(width),
		bbox[3] / float64(height),
	}
}

// TorsoRegion estimates where the subject's upper clothing is.
//
// With a face box the torso spans one face width either side of the face and
// from just below the chin to 2.5 face heights down. With only a person box
// it is the band from 20% to 55% of the box height. Without either, the
// central third of the frame is used. The result is clipped to bounds and may
// be empty.
func TorsoRegion(face, person []float64, bounds image.Rectangle) image.Rectangle {
	var r image.Rectangle
	switch {
	case len(face) == 4 && face[2] > face[0] && face[3] > face[1]:
		w, h := face[2]-face[0], face[3]-face[1]
		r = image.Rect(
			int(face[0]-0.5*w), int(face[3]+0.2*h),
			int(face[2]+0.5*w), int(face[3]+2.5*h),
		)
	case len(person) == 4 && person[2] > person[0] && person[3] > person[1]:
		h := person[3] - person[1]
		r = image.Rect(
			int(person[0]), int(person[1]+0.2*h),
			int(person[2]), int(person[1]+0.55*h),
		)
	default:
		w, h := bounds.Dx(), bounds.Dy()
		r = image.Rect(
			bounds.Min.X+w/3, bounds.Min.Y+3*h/10,
			bounds.Min.X+2*w/3, bounds.Min.Y+7*h/10,
		)
	}
	return r.Intersect(bounds)
}
