package datastore

// MaskSQL 把字符串字面量、带引号的标识符与注释的内容替换为空格，返回与原文等长的文本。
// 引号本身保留；'' "" `` 视为转义。调用方可以在结果上查找分号、空行和关键字，
// 再用同样的下标回到原文。
func MaskSQL(query string) string {
	b := []byte(query)
	for i := 0; i < len(b); i++ {
		switch c := b[i]; {
		case c == '\'' || c == '"' || c == '`':
			i = maskQuoted(b, i, c)
		case c == '-' && i+1 < len(b) && b[i+1] == '-':
			for ; i < len(b) && b[i] != '\n'; i++ {
				b[i] = ' '
			}
		case c == '/' && i+1 < len(b) && b[i+1] == '*':
			j := i
			for ; j < len(b); j++ {
				if j > i+1 && b[j-1] == '*' && b[j] == '/' {
					break
				}
			}
			if j == len(b) {
				j--
			}
			for k := i; k <= j; k++ {
				b[k] = ' '
			}
			i = j
		}
	}
	return string(b)
}

// maskQuoted 从 open 处的引号开始抹掉字面量内容，返回闭合引号的下标；未闭合时抹到末尾。
func maskQuoted(b []byte, open int, quote byte) int {
	for i := open + 1; i < len(b); i++ {
		if b[i] != quote {
			b[i] = ' '
			continue
		}
		if i+1 < len(b) && b[i+1] == quote {
			b[i], b[i+1] = ' ', ' '
			i++
			continue
		}
		return i
	}
	return len(b) - 1
}
