package dosing

import "math"

// BSA returns the Mosteller body surface area in m²
func BSA(heightCm, weightKg float64) (float64, error) {
	var c violationCollector
	c.positive(FieldHeight, heightCm)
	c.positive(FieldWeight, weightKg)
	if err := c.err(); err != nil {
		return 0, err
	}
	return bsa(heightCm, weightKg), nil
}

func bsa(heightCm, weightKg float64) float64 {
	return 0.007184 * math.Pow(heightCm, 0.725) * math.Pow(weightKg, 0.425)
}
