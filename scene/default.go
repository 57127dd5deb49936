package scene

// Default returns the scene served when no scene file is configured: a block
// of buildings with a few vehicles driving around them.
func Default() Scene {
	return Scene{
		Name:     "city",
		CellSize: 64,
		Objects: []Object{
			{
				Name:        "ground",
				Position:    [3]float32{0, -1, 0},
				HalfExtents: [3]float32{512, 1, 512},
				Categories:  []string{"RenderStatic", "OcclusionStatic"},
				Tags:        []string{"terrain"},
				Batch:       1,
			},
			{
				Name:        "building",
				Position:    [3]float32{-200, 20, -200},
				HalfExtents: [3]float32{10, 20, 10},
				Categories:  []string{"RenderStatic", "OcclusionStatic"},
				Tags:        []string{"building"},
				Batch:       2,
				Repeat: &Repeat{
					Count:   [3]int{9, 1, 9},
					Spacing: [3]float32{50, 0, 50},
				},
			},
			{
				Name:           "window",
				Position:       [3]float32{-200, 25, -189},
				HalfExtents:    [3]float32{4, 4, 0.5},
				Tags:           []string{"building"},
				RenderCategory: "Transparent",
				Batch:          3,
				Repeat: &Repeat{
					Count:   [3]int{9, 1, 9},
					Spacing: [3]float32{50, 0, 50},
				},
			},
			{
				Name:        "car",
				Position:    [3]float32{-175, 1, -225},
				HalfExtents: [3]float32{2, 1, 4},
				Tags:        []string{"vehicle"},
				Batch:       4,
				Animation: &Animation{
					Amplitude:     [3]float32{0, 0, 200},
					PeriodSeconds: 20,
				},
				Repeat: &Repeat{
					Count:   [3]int{8, 1, 1},
					Spacing: [3]float32{50, 0, 0},
				},
			},
			{
				Name:           "sky",
				Categories:     []string{"RenderStatic"},
				AlwaysVisible:  true,
				RenderCategory: "Sky",
				Batch:          5,
			},
		},
		Views: []ViewConfig{
			{
				Name:   "street",
				Eye:    [3]float32{0, 2, 250},
				Center: [3]float32{0, 2, 0},
				Far:    600,
			},
			{
				Name:   "aerial",
				Eye:    [3]float32{0, 400, 1},
				Center: [3]float32{0, 0, 0},
				FovY:   75,
				Exclude: []string{
					"terrain",
				},
			},
			{
				Name:       "traffic",
				Eye:        [3]float32{-300, 50, 0},
				Center:     [3]float32{0, 0, 0},
				Categories: []string{"RenderDynamic"},
				Include:    []string{"vehicle"},
				Visibility: "indirect",
			},
		},
	}
}
