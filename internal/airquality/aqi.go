package airquality

import "math"

// breakpoint maps a concentration band [cLow, cHigh] linearly onto an index
// band [iLow, iHigh].
type breakpoint struct {
	cLow, cHigh float64
	iLow, iHigh float64
}

// US EPA tables. Concentrations above the last band extrapolate along it.
var (
	pm25Breakpoints = []breakpoint{
		{0, 12.0, 0, 50},
		{12.1, 35.4, 50, 100},
		{35.5, 55.4, 100, 150},
		{55.5, 150.4, 150, 200},
		{150.5, 250.4, 200, 300},
		{250.5, 500.4, 300, 500},
	}
	pm10Breakpoints = []breakpoint{
		{0, 54, 0, 50},
		{55, 154, 50, 100},
		{155, 254, 100, 150},
		{255, 354, 150, 200},
		{355, 424, 200, 300},
		{425, 604, 300, 500},
	}
)

func subIndex(table []breakpoint, c *float64) float64 {
	if c == nil || math.IsNaN(*c) {
		return 0
	}
	bp := table[len(table)-1]
	for _, b := range table[:len(table)-1] {
		if *c <= b.cHigh {
			bp = b
			break
		}
	}
	return bp.iLow + (*c-bp.cLow)*(bp.iHigh-bp.iLow)/(bp.cHigh-bp.cLow)
}

// PM25SubIndex returns the AQI sub-index for a PM2.5 concentration (µg/m³).
// A missing reading yields 0.
func PM25SubIndex(pm25 *float64) float64 {
	return subIndex(pm25Breakpoints, pm25)
}

// PM10SubIndex returns the AQI sub-index for a PM10 concentration (µg/m³).
// A missing reading yields 0.
func PM10SubIndex(pm10 *float64) float64 {
	return subIndex(pm10Breakpoints, pm10)
}

// CalculateAQI returns the larger of the PM2.5 and PM10 sub-indices. It is 0
// only when both readings are missing.
func CalculateAQI(pm25, pm10 *float64) float64 {
	return math.Max(PM25SubIndex(pm25), PM10SubIndex(pm10))
}
