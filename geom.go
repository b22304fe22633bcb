package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ReadXYZHeader returns the charge and spin multiplicity stored in the
// comment line of an xyz file. A comment that is not two integers means
// a neutral singlet
func ReadXYZHeader(filename string) (charge, mult int, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	charge, mult = 0, 1
	if !scanner.Scan() {
		return 0, 0, fmt.Errorf("%s: empty geometry file", filename)
	}
	if _, err := strconv.Atoi(strings.TrimSpace(scanner.Text())); err != nil {
		return 0, 0, fmt.Errorf("%s: bad atom count %q",
			filename, scanner.Text())
	}
	if !scanner.Scan() {
		return charge, mult, scanner.Err()
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) != 2 {
		return
	}
	c, err1 := strconv.Atoi(fields[0])
	m, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return charge, mult, nil
	}
	return c, m, nil
}
