package frame

// CRC is the CRC-16/MCRF4XX (X.25) accumulator used by MAVLink.
type CRC struct {
	sum uint16
}

func NewCRC() *CRC { return &CRC{sum: 0xFFFF} }

func (c *CRC) UpdateByte(b byte) {
	tmp := b ^ byte(c.sum)
	tmp ^= tmp << 4
	c.sum = (c.sum >> 8) ^ uint16(tmp)<<8 ^ uint16(tmp)<<3 ^ uint16(tmp)>>4
}

func (c *CRC) Update(p []byte) {
	for _, b := range p {
		c.UpdateByte(b)
	}
}

func (c *CRC) Sum16() uint16 { return c.sum }
