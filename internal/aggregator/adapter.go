package aggregator

import (
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
)

// FromStreamRecord converts one dynamodbstreams record into this package's
// local Record/Image representation. Kept as a single narrow adapter so
// delta extraction, refill planning, and sharding logic never import the
// dynamodbstreams SDK types directly and stay testable with plain literals.
func FromStreamRecord(rec streamtypes.Record) Record {
	r := Record{}
	if rec.EventName != "" {
		r.EventName = EventName(rec.EventName)
	}
	if rec.Dynamodb != nil {
		r.OldImage = imageFromAV(rec.Dynamodb.OldImage)
		r.NewImage = imageFromAV(rec.Dynamodb.NewImage)
	}
	return r
}

func imageFromAV(av map[string]streamtypes.AttributeValue) Image {
	if av == nil {
		return nil
	}
	img := make(Image, len(av))
	for attr, v := range av {
		img[attr] = valueFromAV(v)
	}
	return img
}

func valueFromAV(v streamtypes.AttributeValue) Value {
	switch m := v.(type) {
	case *streamtypes.AttributeValueMemberS:
		return Value{S: m.Value, IsSet: true}
	case *streamtypes.AttributeValueMemberN:
		return Value{N: m.Value, IsSet: true}
	default:
		return Value{}
	}
}
