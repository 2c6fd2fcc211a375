package hwio

func GetBit32(v uint32, n uint) bool {
	return v>>n&0x01 != 0
}

func SetBit(v *uint32, n uint) {
	*v |= 1 << n
}

func ClearBit(v *uint32, n uint) {
	*v &^= 1 << n
}

func SetBits(v *uint32, mask uint32) {
	*v |= mask
}

func ClearBits(v *uint32, mask uint32) {
	*v &^= mask
}
