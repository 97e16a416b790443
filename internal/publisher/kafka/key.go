package kafka

import "encoding/json"

// linkKey extracts the record's link for partitioning. An unparsable payload
// gets a nil key and the balancer picks a partition.
func linkKey(payload []byte) []byte {
	var head struct {
		Link string `json:"link"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || head.Link == "" {
		return nil
	}
	return []byte(head.Link)
}
