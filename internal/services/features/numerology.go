package features

import (
	"time"

	"AstroSeis/internal/domain/models"
	"AstroSeis/pkg/util"
)

// Reduce sums decimal digits until a single digit remains. With
// preserveMaster, a value of exactly 11, 22 or 33 reached on the way stops
// the reduction. Zero stays zero.
func Reduce(n int, preserveMaster bool) int {
	if n < 0 {
		n = -n
	}
	for n > 9 {
		if preserveMaster && isMaster(n) {
			return n
		}
		sum := 0
		for ; n > 0; n /= 10 {
			sum += n % 10
		}
		n = sum
	}
	return n
}

func isMaster(n int) bool { return n == 11 || n == 22 || n == 33 }

// UniversalDayNumber is Reduce(year + month + day) with master numbers kept.
// 14 March 1997 gives 1997+3+14 = 2014, which reduces to 7.
func UniversalDayNumber(d time.Time) int {
	y, m, day := d.Date()
	return Reduce(y+int(m)+day, true)
}

// ReducedDayNumber is the plain digital root of the same sum.
func ReducedDayNumber(d time.Time) int {
	y, m, day := d.Date()
	return Reduce(y+int(m)+day, false)
}

// UniversalYearNumber reduces the year alone.
func UniversalYearNumber(d time.Time) int {
	return Reduce(d.Year(), true)
}

func masterFlags(udn int) models.MasterNumberFlags {
	return models.MasterNumberFlags{M11: udn == 11, M22: udn == 22, M33: udn == 33}
}

// UDNLevelsIn lists the UDN values that occur in [from, to], ascending.
// Level 2 and the masters 22 and 33 never occur between 2000 and 2099.
func UDNLevelsIn(from, to time.Time) []int {
	seen := make(map[int]bool)
	for _, d := range util.DateRange(from, to) {
		seen[UniversalDayNumber(d)] = true
	}
	var out []int
	for _, l := range models.UDNLevels {
		if seen[l] {
			out = append(out, l)
		}
	}
	return out
}
