package fitness

// Protocol is a declarative set/rep template. The table mirrors the protocol
// configuration shipped with the client; the server treats it as data and
// never computes loading itself.
type Protocol struct {
	ID          string  `json:"id"`
	Reps        []int   `json:"reps"`
	Intensity   float64 `json:"intensity"`
	RestSeconds int     `json:"rest_seconds"`
}

var protocols = map[string]Protocol{
	"strength_3x5_moderate":  {ID: "strength_3x5_moderate", Reps: []int{5, 5, 5}, Intensity: 0.75, RestSeconds: 180},
	"strength_5x5_straight":  {ID: "strength_5x5_straight", Reps: []int{5, 5, 5, 5, 5}, Intensity: 0.70, RestSeconds: 180},
	"strength_3x8_moderate":  {ID: "strength_3x8_moderate", Reps: []int{8, 8, 8}, Intensity: 0.65, RestSeconds: 90},
	"strength_3x10_moderate": {ID: "strength_3x10_moderate", Reps: []int{10, 10, 10}, Intensity: 0.60, RestSeconds: 90},
	"strength_3x12_light":    {ID: "strength_3x12_light", Reps: []int{12, 12, 12}, Intensity: 0.55, RestSeconds: 60},
}

func ProtocolByID(id string) (Protocol, bool) {
	p, ok := protocols[id]
	return p, ok
}

func ProtocolIDs() []string {
	ids := make([]string, 0, len(protocols))
	for id := range protocols {
		ids = append(ids, id)
	}
	return ids
}
