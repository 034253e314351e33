package service

// TotalPrice is the amount charged for seats at unitPrice. It is fixed on the
// reservation when it is made.
func TotalPrice(unitPrice float64, seats int) float64 {
	return unitPrice * float64(seats)
}
